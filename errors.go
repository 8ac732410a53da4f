package main

import (
	"errors"
	"fmt"
)

// Error taxonomy for the admission path and the ledgers. Handlers map these
// onto HTTP status codes; nothing in this file ever causes the admission
// path to stop serving.
var (
	// ErrInvalidInput covers malformed identifiers and amounts. These are
	// rejected locally and never reach a ledger.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPolicyViolation covers reputation/stake below threshold, risk too
	// high, and abuse flags. Always wrapped with the specific unmet
	// condition so the caller knows what to fix.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrReplayOrForgery covers bad session signatures, reused anti-flood
	// challenges, and reused payment references.
	ErrReplayOrForgery = errors.New("replay or forgery")

	// ErrLedgerUnavailable means a ledger read or write could not complete.
	// Reads fall back to the neutral defaults (score 50, stake 0); writes
	// are retried by the ledger writer.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrExpiredOrExhausted covers session TTL/request-count exhaustion and
	// expired anti-flood challenges. The caller re-authenticates; not a
	// system fault.
	ErrExpiredOrExhausted = errors.New("expired or exhausted")
)

// policyErr wraps ErrPolicyViolation with the specific unmet condition.
func policyErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPolicyViolation, fmt.Sprintf(format, args...))
}

// invalidErr wraps ErrInvalidInput with detail.
func invalidErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
