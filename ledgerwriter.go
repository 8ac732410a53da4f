package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/holiman/uint256"
)

// LedgerWriteKind discriminates the queued mutation types.
type LedgerWriteKind string

const (
	WriteFeedback LedgerWriteKind = "feedback"
	WriteOutcome  LedgerWriteKind = "outcome"
	WriteSlash    LedgerWriteKind = "slash"
)

// LedgerWrite is one queued ledger mutation, emitted by job completion and
// consumed asynchronously so the request path never waits on a ledger.
type LedgerWrite struct {
	Kind      LedgerWriteKind
	Submitter string
	Agent     string
	Rater     string
	Rating    int
	Payment   *uint256.Int
	JobID     string
	Success   bool
	Reason    string

	attempts int
}

// writerRetries is how many times a WriteFeedback/WriteOutcome is retried
// when the ledger is unavailable before it is dropped with a log line.
const writerRetries = 3

// LedgerWriter drains a bounded queue of ledger mutations. Retries on
// ErrLedgerUnavailable; every other error is final (bad input stays bad).
type LedgerWriter struct {
	reputation *ReputationLedger
	staking    *StakingLedger
	queue      chan *LedgerWrite
	retryDelay time.Duration
}

func NewLedgerWriter(rep *ReputationLedger, stk *StakingLedger, depth int) *LedgerWriter {
	return &LedgerWriter{
		reputation: rep,
		staking:    stk,
		queue:      make(chan *LedgerWrite, depth),
		retryDelay: time.Second,
	}
}

// Enqueue submits a write without blocking. Returns false when the queue is
// full; the caller logs and moves on, the job pipeline re-emits later.
func (w *LedgerWriter) Enqueue(lw *LedgerWrite) bool {
	select {
	case w.queue <- lw:
		return true
	default:
		log.Printf("ledgerwriter: queue full, dropping %s write for %s", lw.Kind, shortID(lw.Agent))
		return false
	}
}

// Pending returns the current queue depth, for the health endpoint.
func (w *LedgerWriter) Pending() int { return len(w.queue) }

// Run drains the queue until ctx is done.
func (w *LedgerWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case lw := <-w.queue:
			w.apply(ctx, lw)
		}
	}
}

func (w *LedgerWriter) apply(ctx context.Context, lw *LedgerWrite) {
	var err error
	switch lw.Kind {
	case WriteFeedback:
		err = w.reputation.SubmitFeedback(lw.Submitter, lw.Agent, lw.Rater, lw.Rating, lw.Payment, lw.JobID)
	case WriteOutcome:
		err = w.reputation.RecordJobOutcome(lw.Submitter, lw.Agent, lw.JobID, lw.Success)
	case WriteSlash:
		err = w.staking.Slash(lw.Submitter, lw.Agent, lw.Payment, lw.Reason)
	default:
		log.Printf("ledgerwriter: unknown write kind %q", lw.Kind)
		return
	}

	if err == nil {
		return
	}

	if errors.Is(err, ErrLedgerUnavailable) && lw.attempts < writerRetries {
		lw.attempts++
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
			if !w.Enqueue(lw) {
				log.Printf("ledgerwriter: retry %d for %s write dropped, queue full", lw.attempts, lw.Kind)
			}
		}
		return
	}

	log.Printf("ledgerwriter: %s write for %s failed permanently: %v", lw.Kind, shortID(lw.Agent), err)
}
