package main

import (
	"log"
	"math"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/holiman/uint256"
)

// Reputation score constants. NeutralScore is what an agent with no
// feedback history scores; it is a defined value, never undefined.
const (
	NeutralScore      = 50
	DiversityBonusCap = 10.0
	DiversityFullAt   = 100 // unique raters at which the full bonus applies
)

// ReputationRecord accumulates payment-weighted feedback for one agent.
// Counters only ever grow; the score is derived on read.
type ReputationRecord struct {
	TotalWeightedRating *uint256.Int
	TotalWeight         *uint256.Int
	Raters              mapset.Set
	SuccessfulJobs      uint64
	FailedJobs          uint64
	LastUpdate          time.Time
}

func newReputationRecord() *ReputationRecord {
	return &ReputationRecord{
		TotalWeightedRating: uint256.NewInt(0),
		TotalWeight:         uint256.NewInt(0),
		Raters:              mapset.NewThreadUnsafeSet(),
	}
}

// ReputationLedger is the authoritative store of feedback and job outcomes.
// Writes come only from authorized submitters; reads are pure.
type ReputationLedger struct {
	mu         sync.RWMutex
	records    map[string]*ReputationRecord
	submitters map[string]bool
	now        func() time.Time
}

func NewReputationLedger() *ReputationLedger {
	return &ReputationLedger{
		records:    make(map[string]*ReputationRecord),
		submitters: make(map[string]bool),
		now:        time.Now,
	}
}

// AuthorizeSubmitter allows an identity to submit feedback and outcomes.
func (l *ReputationLedger) AuthorizeSubmitter(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitters[id] = true
}

// SubmitFeedback records one rating weighted by the payment that backed it.
// The rater weight is fixed at 1 for now; the parameter slot is reserved for
// rater-reputation weighting.
func (l *ReputationLedger) SubmitFeedback(submitter, agent, rater string, rating int, payment *uint256.Int, jobID string) error {
	if rating < 1 || rating > 5 {
		return invalidErr("rating %d out of range 1-5", rating)
	}
	if payment == nil || payment.IsZero() {
		return invalidErr("payment amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.submitters[submitter] {
		return policyErr("submitter %s is not authorized", shortID(submitter))
	}

	rec := l.records[agent]
	if rec == nil {
		rec = newReputationRecord()
		l.records[agent] = rec
	}

	raterWeight := uint256.NewInt(1)
	weight := new(uint256.Int).Mul(payment, raterWeight)

	weighted := new(uint256.Int).Mul(weight, uint256.NewInt(uint64(rating)))
	rec.TotalWeightedRating.Add(rec.TotalWeightedRating, weighted)
	rec.TotalWeight.Add(rec.TotalWeight, weight)
	rec.Raters.Add(rater) // idempotent
	rec.LastUpdate = l.now()

	log.Printf("reputation: feedback agent=%s rater=%s rating=%d weight=%s job=%s score=%d",
		shortID(agent), shortID(rater), rating, weight.Dec(), jobID, scoreOf(rec))
	return nil
}

// RecordJobOutcome increments the success/failure counters independently of
// feedback. A single large payment cannot offset a pattern of failures.
func (l *ReputationLedger) RecordJobOutcome(submitter, agent, jobID string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.submitters[submitter] {
		return policyErr("submitter %s is not authorized", shortID(submitter))
	}

	rec := l.records[agent]
	if rec == nil {
		rec = newReputationRecord()
		l.records[agent] = rec
	}
	if success {
		rec.SuccessfulJobs++
	} else {
		rec.FailedJobs++
	}
	rec.LastUpdate = l.now()
	return nil
}

// Score returns the agent's 0-100 reputation score. Agents with no weighted
// feedback score NeutralScore.
func (l *ReputationLedger) Score(agent string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec := l.records[agent]
	if rec == nil {
		return NeutralScore, nil
	}
	return scoreOf(rec), nil
}

// MeetsThreshold reports whether the agent's score is at least min.
func (l *ReputationLedger) MeetsThreshold(agent string, min int) (bool, error) {
	s, err := l.Score(agent)
	if err != nil {
		return false, err
	}
	return s >= min, nil
}

// HasHistory reports whether the ledger has ever seen the agent.
func (l *ReputationLedger) HasHistory(agent string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[agent]
	return ok, nil
}

// Record returns a copy of the agent's raw counters for inspection.
func (l *ReputationLedger) Record(agent string) (ReputationRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec := l.records[agent]
	if rec == nil {
		return ReputationRecord{}, false
	}
	cp := *rec
	cp.TotalWeightedRating = new(uint256.Int).Set(rec.TotalWeightedRating)
	cp.TotalWeight = new(uint256.Int).Set(rec.TotalWeight)
	cp.Raters = rec.Raters.Clone()
	return cp, true
}

// scoreOf derives the 0-100 score from the raw counters. Caller holds the
// ledger lock.
//
// base maps the weighted mean rating onto 0-100 (1 star -> 20, 5 -> 100),
// the success modifier scales it by the job success rate, and the diversity
// bonus ramps linearly with distinct raters to resist self-dealt feedback.
func scoreOf(rec *ReputationRecord) int {
	if rec.TotalWeight.IsZero() {
		return NeutralScore
	}

	avg := ratioFloat(rec.TotalWeightedRating, rec.TotalWeight) // 1.0 .. 5.0
	base := avg * 20

	successRate := 100.0
	if total := rec.SuccessfulJobs + rec.FailedJobs; total > 0 {
		successRate = float64(rec.SuccessfulJobs) * 100 / float64(total)
	}

	bonus := diversityBonus(rec.Raters.Cardinality())

	score := int(math.Round(base*successRate/100 + bonus))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// diversityBonus ramps from 0 at one rater to DiversityBonusCap at
// DiversityFullAt raters.
func diversityBonus(raters int) float64 {
	if raters <= 1 {
		return 0
	}
	if raters >= DiversityFullAt {
		return DiversityBonusCap
	}
	return float64(raters-1) * DiversityBonusCap / float64(DiversityFullAt-1)
}

// ratioFloat divides two uint256 values as float64. Weights beyond float64
// precision lose low bits, which is fine for a 0-100 score.
func ratioFloat(num, den *uint256.Int) float64 {
	n, _ := new(big.Float).SetInt(num.ToBig()).Float64()
	d, _ := new(big.Float).SetInt(den.ToBig()).Float64()
	if d == 0 {
		return 0
	}
	return n / d
}
