package main

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Price factors are expressed in basis points (10000 = 1.0x) so the quote
// math stays exact on integer amounts.
const (
	bpsOne = 10_000

	// Stake discount: the stake-to-reference ratio, capped at 20% off.
	maxStakeDiscountBps = 2_000

	// Floor: the discount stack can never push the price below a quarter of
	// the base price.
	priceFloorDivisor = 4
)

// PriceFactor is one clamped component of the multiplier, with the input
// that produced it.
type PriceFactor struct {
	Name   string `json:"name"`
	Bps    uint64 `json:"bps"`
	Reason string `json:"reason"`
}

// PriceQuote is the full pricing contract a caller needs to retry correctly.
type PriceQuote struct {
	BasePrice     *uint256.Int  `json:"-"`
	FinalPrice    *uint256.Int  `json:"-"`
	Base          string        `json:"base_price"`
	Final         string        `json:"final_price"`
	MultiplierBps uint64        `json:"multiplier_bps"`
	Factors       []PriceFactor `json:"factors"`
	Floored       bool          `json:"floored"`
}

// Price combines reputation, risk, stake and agent history into a price for
// one request. Pure: same inputs, same quote. Each factor is clamped on its
// own before the factors are composed.
func Price(cfg *Config, basePrice *uint256.Int, reputation, riskScore int, stake *uint256.Int, isNewAgent bool) *PriceQuote {
	t := cfg.Tiers

	var repBps uint64
	var repReason string
	switch {
	case reputation >= t.ReputationExcellent:
		repBps, repReason = 5_000, fmt.Sprintf("reputation %d >= %d", reputation, t.ReputationExcellent)
	case reputation >= t.ReputationGood:
		repBps, repReason = 7_500, fmt.Sprintf("reputation %d >= %d", reputation, t.ReputationGood)
	case reputation >= t.ReputationNeutral:
		repBps, repReason = bpsOne, fmt.Sprintf("reputation %d >= %d", reputation, t.ReputationNeutral)
	default:
		repBps, repReason = 15_000, fmt.Sprintf("reputation %d below %d", reputation, t.ReputationNeutral)
	}

	var riskBps uint64
	var riskReason string
	switch {
	case riskScore > t.RiskHigh:
		riskBps, riskReason = 15_000, fmt.Sprintf("risk %d above %d", riskScore, t.RiskHigh)
	case riskScore > t.RiskElevated:
		riskBps, riskReason = 12_500, fmt.Sprintf("risk %d above %d", riskScore, t.RiskElevated)
	default:
		riskBps, riskReason = bpsOne, fmt.Sprintf("risk %d nominal", riskScore)
	}

	stakeBps := uint64(bpsOne) - stakeDiscountBps(stake, uint256.NewInt(cfg.ReferenceStake))
	stakeReason := fmt.Sprintf("stake %s against reference %d", stake.Dec(), cfg.ReferenceStake)

	newBps := uint64(bpsOne)
	newReason := "agent has ledger history"
	if isNewAgent {
		newBps = 12_500
		newReason = "no ledger history"
	}

	factors := []PriceFactor{
		{Name: "reputation", Bps: repBps, Reason: repReason},
		{Name: "risk", Bps: riskBps, Reason: riskReason},
		{Name: "stake", Bps: stakeBps, Reason: stakeReason},
		{Name: "new_agent", Bps: newBps, Reason: newReason},
	}

	// Compose in bps: multiply factors, divide back by bpsOne each step.
	mult := uint64(bpsOne)
	for _, f := range factors {
		mult = mult * f.Bps / bpsOne
	}

	final := new(uint256.Int).Mul(basePrice, uint256.NewInt(mult))
	final.Div(final, uint256.NewInt(bpsOne))

	floor := new(uint256.Int).Div(basePrice, uint256.NewInt(priceFloorDivisor))
	floored := false
	if final.Lt(floor) {
		final.Set(floor)
		floored = true
	}

	return &PriceQuote{
		BasePrice:     new(uint256.Int).Set(basePrice),
		FinalPrice:    final,
		Base:          basePrice.Dec(),
		Final:         final.Dec(),
		MultiplierBps: mult,
		Factors:       factors,
		Floored:       floored,
	}
}

// stakeDiscountBps is the stake-to-reference ratio in bps, capped at
// maxStakeDiscountBps. The full discount is reached at a fifth of the
// reference stake.
func stakeDiscountBps(stake, reference *uint256.Int) uint64 {
	if stake == nil || stake.IsZero() || reference.IsZero() {
		return 0
	}
	d := new(uint256.Int).Mul(stake, uint256.NewInt(bpsOne))
	d.Div(d, reference)
	if d.GtUint64(maxStakeDiscountBps) {
		return maxStakeDiscountBps
	}
	return d.Uint64()
}
