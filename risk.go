package main

import (
	"sync"
	"time"
)

// Risk engine thresholds. The block threshold itself lives in Tiers so the
// admission checks and pricing bands come from the same table.
const (
	burstWindow     = 60 * time.Second
	historyWindow   = time.Hour
	coldStartFloor  = 5 // fewer known requests than this earns the cold-start penalty
	suspiciousHours = 5 // flat bump inside the configured window
)

// AbuseFlag records one abuse observation against an agent.
type AbuseFlag struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// riskProfile is the per-agent behavioral history. Ephemeral: the engine is
// rebuilt empty on process restart, which is fine for a short-horizon signal.
type riskProfile struct {
	mu            sync.Mutex
	requests      []time.Time // trailing hour, pruned on write
	totalRequests uint64      // lifetime counter, survives pruning
	failures      uint64
	flags         []AbuseFlag
}

// RiskEngine scores short-term agent behavior 0-100. The keyed store locks
// per agent: contention is low per agent and high across agents, so a global
// lock guards only the map itself.
type RiskEngine struct {
	mu       sync.RWMutex
	profiles map[string]*riskProfile

	suspiciousStart int // UTC hour, inclusive
	suspiciousEnd   int // UTC hour, exclusive

	now func() time.Time
}

func NewRiskEngine(cfg *Config) *RiskEngine {
	return &RiskEngine{
		profiles:        make(map[string]*riskProfile),
		suspiciousStart: cfg.SuspiciousHourStart,
		suspiciousEnd:   cfg.SuspiciousHourEnd,
		now:             time.Now,
	}
}

func (e *RiskEngine) profile(agent string) *riskProfile {
	e.mu.RLock()
	p := e.profiles[agent]
	e.mu.RUnlock()
	if p != nil {
		return p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p = e.profiles[agent]; p == nil {
		p = &riskProfile{}
		e.profiles[agent] = p
	}
	return p
}

// RecordRequest notes one served request and prunes history older than an
// hour to bound memory.
func (e *RiskEngine) RecordRequest(agent string) {
	p := e.profile(agent)
	now := e.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, now)
	p.totalRequests++
	p.requests = pruneBefore(p.requests, now.Add(-historyWindow))
}

// RecordFailure notes one failed job attributed to the agent.
func (e *RiskEngine) RecordFailure(agent string) {
	p := e.profile(agent)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
}

// FlagAbuse records an abuse observation (replayed challenge, forged token,
// downstream report) against the agent.
func (e *RiskEngine) FlagAbuse(agent, reason string) {
	p := e.profile(agent)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags = append(p.flags, AbuseFlag{Reason: reason, At: e.now()})
}

// CalculateRisk sums independent penalty terms, capped at 100.
func (e *RiskEngine) CalculateRisk(agent string) int {
	p := e.profile(agent)
	now := e.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	risk := 0

	// Burst rate over the trailing minute.
	burst := countSince(p.requests, now.Add(-burstWindow))
	switch {
	case burst > 30:
		risk += 20
	case burst >= 10:
		risk += 10
	}

	// Recorded failures.
	switch {
	case p.failures > 10:
		risk += 30
	case p.failures >= 5:
		risk += 15
	}

	risk += 10 * len(p.flags)

	// Cold start: agents with almost no history are unknowns.
	if p.totalRequests < coldStartFloor {
		risk += 15
	}

	if e.inSuspiciousWindow(now) {
		risk += suspiciousHours
	}

	if risk > 100 {
		risk = 100
	}
	return risk
}

// ShouldBlock reports whether the agent's behavior alone warrants refusal.
func (e *RiskEngine) ShouldBlock(agent string, tiers Tiers) bool {
	if e.CalculateRisk(agent) > tiers.RiskBlock {
		return true
	}
	p := e.profile(agent)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flags) >= tiers.AbuseFlagBlock
}

// AbuseFlagCount returns the number of abuse flags recorded for the agent.
func (e *RiskEngine) AbuseFlagCount(agent string) int {
	p := e.profile(agent)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flags)
}

// ProfileSize returns the number of tracked agents, for the health endpoint.
func (e *RiskEngine) ProfileSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.profiles)
}

func (e *RiskEngine) inSuspiciousWindow(t time.Time) bool {
	h := t.UTC().Hour()
	if e.suspiciousStart <= e.suspiciousEnd {
		return h >= e.suspiciousStart && h < e.suspiciousEnd
	}
	// Window wraps midnight.
	return h >= e.suspiciousStart || h < e.suspiciousEnd
}

// pruneBefore drops timestamps strictly before cutoff. Input is in append
// order, so the first surviving index is a prefix cut.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}
