package main

import (
	"errors"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

func newTestIssuer(clock *fakeClock) *SessionIssuer {
	s := NewSessionIssuer([]byte("test-secret"))
	s.now = clock.now
	return s
}

func testCaveats() Caveats {
	return Caveats{
		TTLSeconds:       900,
		MaxRequests:      3,
		AllowedEndpoints: []string{"/v1/complete"},
		MaxCost:          "62500",
	}
}

func testSnapshot() *AgentSnapshot {
	return &AgentSnapshot{AgentID: testAgent, Registered: true, Reputation: 75, Risk: 10, Stake: "1000"}
}

func TestSessionRoundtrip(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, err := s.Issue(testAgent, testCaveats(), testSnapshot())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tok, err := s.Verify(encoded, "/v1/complete")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok.AgentID != testAgent {
		t.Fatalf("agent mismatch: %s", tok.AgentID)
	}
	if tok.Snapshot == nil || tok.Snapshot.Reputation != 75 {
		t.Fatal("snapshot must travel inside the token")
	}
	if got := s.RequestCount(tok.ID); got != 1 {
		t.Fatalf("expected request count 1, got %d", got)
	}
}

func TestSessionTamperDetection(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, err := s.Issue(testAgent, testCaveats(), testSnapshot())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Any single-bit mutation anywhere in the token must fail verification.
	raw := []byte(encoded)
	for pos := 0; pos < len(raw); pos += 7 {
		for bit := uint(0); bit < 8; bit++ {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[pos] ^= 1 << bit
			if string(mutated) == encoded {
				continue
			}
			if _, err := s.Verify(string(mutated), "/v1/complete"); err == nil {
				t.Fatalf("bit %d at byte %d flipped and verify still passed", bit, pos)
			}
		}
	}

	// The original still verifies.
	if _, err := s.Verify(encoded, "/v1/complete"); err != nil {
		t.Fatalf("untouched token rejected: %v", err)
	}
}

func TestSessionTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestIssuer(clock)
	encoded, _ := s.Issue(testAgent, testCaveats(), testSnapshot())

	clock.advance(899 * time.Second)
	if _, err := s.Verify(encoded, "/v1/complete"); err != nil {
		t.Fatalf("token inside TTL rejected: %v", err)
	}

	clock.advance(2 * time.Second)
	_, err := s.Verify(encoded, "/v1/complete")
	if !errors.Is(err, ErrExpiredOrExhausted) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestSessionRequestBudget(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, _ := s.Issue(testAgent, testCaveats(), testSnapshot())

	for i := 0; i < 3; i++ {
		if _, err := s.Verify(encoded, "/v1/complete"); err != nil {
			t.Fatalf("use %d rejected: %v", i+1, err)
		}
	}

	// requestCount == maxRequests: the next use is exhausted, not admitted.
	_, err := s.Verify(encoded, "/v1/complete")
	if !errors.Is(err, ErrExpiredOrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestSessionEndpointScope(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, _ := s.Issue(testAgent, testCaveats(), testSnapshot())

	_, err := s.Verify(encoded, "/v1/embed")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected scope violation, got %v", err)
	}
	if got := s.RequestCount(firstTokenID(t, s, encoded)); got != 0 {
		t.Fatalf("scope failure must not consume the budget, got %d", got)
	}
}

func TestSessionRevocation(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, _ := s.Issue(testAgent, testCaveats(), testSnapshot())

	tok, err := s.Verify(encoded, "/v1/complete")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	s.Revoke(tok.ID)
	s.Revoke(tok.ID) // idempotent

	// Revoked tokens never verify again, even well inside their TTL.
	_, err = s.Verify(encoded, "/v1/complete")
	if !errors.Is(err, ErrReplayOrForgery) {
		t.Fatalf("expected revocation rejection, got %v", err)
	}
}

func TestSessionWrongSecret(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	encoded, _ := s.Issue(testAgent, testCaveats(), testSnapshot())

	other := NewSessionIssuer([]byte("other-secret"))
	other.now = newFakeClock().now
	_, err := other.Verify(encoded, "/v1/complete")
	if !errors.Is(err, ErrReplayOrForgery) {
		t.Fatalf("token signed with another secret must be forgery, got %v", err)
	}
}

func TestSessionCounterStoreBounded(t *testing.T) {
	s := newTestIssuer(newFakeClock())
	var err error
	s.counts, err = lru.New(4)
	if err != nil {
		t.Fatalf("lru: %v", err)
	}

	// Churn well past the store's capacity: old counters are evicted
	// instead of accumulating for every token ever verified.
	for i := 0; i < 16; i++ {
		encoded, err := s.Issue(testAgent, testCaveats(), testSnapshot())
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		if _, err := s.Verify(encoded, "/v1/complete"); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	if got := s.counts.Len(); got != 4 {
		t.Fatalf("counter store must stay bounded, holds %d entries", got)
	}
}

// firstTokenID decodes the token id without counting a use.
func firstTokenID(t *testing.T, s *SessionIssuer, encoded string) string {
	t.Helper()
	tok, err := s.Verify(encoded, "/v1/complete")
	if err != nil {
		t.Fatalf("decode for id: %v", err)
	}
	id := tok.ID
	s.mu.Lock()
	if v, ok := s.counts.Get(id); ok {
		s.counts.Add(id, v.(int)-1) // undo the counted use
	}
	s.mu.Unlock()
	return id
}
