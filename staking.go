package main

import (
	"log"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// StakeRecord holds one agent's collateral. Amount and PendingUnstake are
// disjoint: funds move between them atomically and are never counted twice.
type StakeRecord struct {
	Amount         *uint256.Int
	PendingUnstake *uint256.Int
	UnlocksAt      time.Time // zero unless an unstake is pending
	SlashedTotal   *uint256.Int
}

func newStakeRecord() *StakeRecord {
	return &StakeRecord{
		Amount:         uint256.NewInt(0),
		PendingUnstake: uint256.NewInt(0),
		SlashedTotal:   uint256.NewInt(0),
	}
}

func (r *StakeRecord) hasPending() bool {
	return !r.PendingUnstake.IsZero()
}

// StakingLedger is the authoritative collateral state machine: stake in any
// time, unstake through a fixed unbonding delay, slash from free stake only.
type StakingLedger struct {
	mu       sync.Mutex
	records  map[string]*StakeRecord
	slashers map[string]bool

	minStake  *uint256.Int
	unbonding time.Duration
	tiers     map[string]*uint256.Int

	treasury *uint256.Int // accumulated slashed funds

	now func() time.Time
}

func NewStakingLedger(cfg *Config) *StakingLedger {
	tiers := make(map[string]*uint256.Int, len(cfg.StakeTiers))
	for id, min := range cfg.StakeTiers {
		tiers[id] = uint256.NewInt(min)
	}
	return &StakingLedger{
		records:   make(map[string]*StakeRecord),
		slashers:  make(map[string]bool),
		minStake:  uint256.NewInt(cfg.MinStakeAmount),
		unbonding: cfg.UnbondingPeriod,
		tiers:     tiers,
		treasury:  uint256.NewInt(0),
		now:       time.Now,
	}
}

// AuthorizeSlasher allows an identity to slash.
func (l *StakingLedger) AuthorizeSlasher(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slashers[id] = true
}

// Stake adds collateral to the agent's free stake. Amounts below the
// configured minimum are rejected to keep dust out of the ledger.
func (l *StakingLedger) Stake(agent string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return invalidErr("stake amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.Lt(l.minStake) {
		return invalidErr("stake %s below minimum %s", amount.Dec(), l.minStake.Dec())
	}

	rec := l.records[agent]
	if rec == nil {
		rec = newStakeRecord()
		l.records[agent] = rec
	}
	rec.Amount.Add(rec.Amount, amount)
	log.Printf("staking: stake agent=%s amount=%s total=%s", shortID(agent), amount.Dec(), rec.Amount.Dec())
	return nil
}

// RequestUnstake moves amount from free stake into the unbonding queue and
// starts the delay. Only the agent itself may request, and only one request
// may be pending at a time. The delay is the flash-loan defense: stake
// cannot leave within the settlement window it was used to qualify for.
func (l *StakingLedger) RequestUnstake(caller, agent string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return invalidErr("unstake amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != agent {
		return policyErr("caller %s does not control agent %s", shortID(caller), shortID(agent))
	}
	rec := l.records[agent]
	if rec == nil || amount.Gt(rec.Amount) {
		return policyErr("unstake %s exceeds free stake", amount.Dec())
	}
	if rec.hasPending() {
		return policyErr("an unstake request is already pending")
	}

	rec.Amount.Sub(rec.Amount, amount)
	rec.PendingUnstake.Set(amount)
	rec.UnlocksAt = l.now().Add(l.unbonding)
	log.Printf("staking: unstake requested agent=%s amount=%s unlocks=%s",
		shortID(agent), amount.Dec(), rec.UnlocksAt.Format(time.RFC3339))
	return nil
}

// CompleteUnstake releases the pending funds once the unbonding delay has
// elapsed. Succeeds exactly once per request.
func (l *StakingLedger) CompleteUnstake(agent string) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[agent]
	if rec == nil || !rec.hasPending() {
		return nil, policyErr("no unstake request pending")
	}
	if l.now().Before(rec.UnlocksAt) {
		return nil, policyErr("unbonding until %s", rec.UnlocksAt.Format(time.RFC3339))
	}

	released := new(uint256.Int).Set(rec.PendingUnstake)
	rec.PendingUnstake.Clear()
	rec.UnlocksAt = time.Time{}
	log.Printf("staking: unstake complete agent=%s released=%s", shortID(agent), released.Dec())
	return released, nil
}

// CancelUnstake returns a pending request to free stake. Allowed any time
// before completion, including after the delay has elapsed.
func (l *StakingLedger) CancelUnstake(agent string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[agent]
	if rec == nil || !rec.hasPending() {
		return policyErr("no unstake request pending")
	}
	rec.Amount.Add(rec.Amount, rec.PendingUnstake)
	rec.PendingUnstake.Clear()
	rec.UnlocksAt = time.Time{}
	return nil
}

// Slash moves amount from the agent's free stake to the treasury.
// Irreversible. Pending unstakes are deliberately out of reach: an agent who
// requested exit before the violation was discovered keeps those funds after
// the delay. That gap is a recorded policy decision, not an oversight.
func (l *StakingLedger) Slash(caller, agent string, amount *uint256.Int, reason string) error {
	if amount == nil || amount.IsZero() {
		return invalidErr("slash amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.slashers[caller] {
		return policyErr("caller %s is not an authorized slasher", shortID(caller))
	}
	rec := l.records[agent]
	if rec == nil || amount.Gt(rec.Amount) {
		return policyErr("slash %s exceeds free stake", amount.Dec())
	}

	rec.Amount.Sub(rec.Amount, amount)
	rec.SlashedTotal.Add(rec.SlashedTotal, amount)
	l.treasury.Add(l.treasury, amount)
	log.Printf("staking: slashed agent=%s amount=%s reason=%q remaining=%s",
		shortID(agent), amount.Dec(), reason, rec.Amount.Dec())
	return nil
}

// FreeStake returns the agent's free (slashable, admission-counting) stake.
func (l *StakingLedger) FreeStake(agent string) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[agent]
	if rec == nil {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(rec.Amount), nil
}

// CheckStakeRequirement reports whether free stake meets the tier minimum.
// Unknown tiers never pass.
func (l *StakingLedger) CheckStakeRequirement(agent, tierID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	min, ok := l.tiers[tierID]
	if !ok {
		return false, invalidErr("unknown service tier %q", tierID)
	}
	rec := l.records[agent]
	if rec == nil {
		return min.IsZero(), nil
	}
	return !rec.Amount.Lt(min), nil
}

// Record returns a copy of the agent's stake record for inspection.
func (l *StakingLedger) Record(agent string) (StakeRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[agent]
	if rec == nil {
		return StakeRecord{}, false
	}
	return StakeRecord{
		Amount:         new(uint256.Int).Set(rec.Amount),
		PendingUnstake: new(uint256.Int).Set(rec.PendingUnstake),
		UnlocksAt:      rec.UnlocksAt,
		SlashedTotal:   new(uint256.Int).Set(rec.SlashedTotal),
	}, true
}

// TreasuryBalance returns the total slashed funds held by the treasury.
func (l *StakingLedger) TreasuryBalance() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.treasury)
}
