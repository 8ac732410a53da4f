package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/naoina/toml"
)

// Tiers holds every score/risk threshold shared between the Pricing Engine
// and the Admission Controller's blocking checks. They live in one place so
// the pricing bands and the blocking bands cannot drift apart.
type Tiers struct {
	ReputationExcellent int // >= this: 0.5x price
	ReputationGood      int // >= this: 0.75x price
	ReputationNeutral   int // >= this: 1.0x price, below: 1.5x
	RiskElevated        int // > this: 1.25x price
	RiskHigh            int // > this: 1.5x price
	RiskBlock           int // > this: request blocked
	AbuseFlagBlock      int // >= this many flags: request blocked
}

// Config holds every tunable of the gateway. Loaded from an optional TOML
// file with environment-variable overrides on top.
type Config struct {
	Port          string
	OperatorToken string // bearer token for ledger-mutating endpoints
	SessionSecret string // hex or raw secret for session token signatures
	PayoutAddress string // where payment proofs must point; empty skips the check

	// Admission policy
	MinReputation int    // 0 disables the floor
	MinStake      uint64 // base units; 0 disables the floor
	PoWDifficulty int    // leading zero bits; 0 disables the anti-flood gate

	// Pricing
	BasePrices     map[string]uint64 // endpoint -> base price, base units
	DefaultPrice   uint64
	ReferenceStake uint64 // stake at which the full 20% discount is reached

	// Staking ledger
	MinStakeAmount  uint64        // smallest accepted single stake
	UnbondingPeriod time.Duration // default one hour
	StakeTiers      map[string]uint64

	// Session tokens
	SessionTTL         time.Duration
	SessionMaxRequests int

	// Risk engine
	SuspiciousHourStart int // UTC hour, inclusive
	SuspiciousHourEnd   int // UTC hour, exclusive

	// Anti-flood
	ChallengeExpiry time.Duration

	// Per-IP rate limiting
	RateLimit       int
	RateLimitWindow time.Duration

	Tiers Tiers
}

// DefaultConfig returns the reference deployment settings.
func DefaultConfig() *Config {
	return &Config{
		Port:           "8090",
		DefaultPrice:   50_000, // 0.05 in 6-decimal base units
		ReferenceStake: 10_000_000,
		BasePrices: map[string]uint64{
			"/v1/complete": 50_000,
			"/v1/embed":    10_000,
			"/v1/search":   25_000,
		},
		MinStakeAmount:      100_000,
		UnbondingPeriod:     time.Hour,
		StakeTiers:          map[string]uint64{"basic": 0, "standard": 1_000_000, "premium": 10_000_000},
		SessionTTL:          15 * time.Minute,
		SessionMaxRequests:  100,
		SuspiciousHourStart: 2,
		SuspiciousHourEnd:   5,
		ChallengeExpiry:     2 * time.Minute,
		RateLimit:           100,
		RateLimitWindow:     time.Minute,
		Tiers: Tiers{
			ReputationExcellent: 90,
			ReputationGood:      70,
			ReputationNeutral:   50,
			RiskElevated:        25,
			RiskHigh:            50,
			RiskBlock:           80,
			AbuseFlagBlock:      3,
		},
	}
}

// LoadConfig reads the TOML file at path (if non-empty) over the defaults,
// then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("OPERATOR_TOKEN"); v != "" {
		c.OperatorToken = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.SessionSecret = v
	}
	if v := os.Getenv("PAYOUT_ADDRESS"); v != "" {
		c.PayoutAddress = v
	}
	if v := os.Getenv("POW_DIFFICULTY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoWDifficulty = n
		}
	}
	if v := os.Getenv("MIN_REPUTATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinReputation = n
		}
	}
	if v := os.Getenv("MIN_STAKE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MinStake = n
		}
	}
	if v := os.Getenv("UNBONDING_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.UnbondingPeriod = time.Duration(n) * time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.SuspiciousHourStart < 0 || c.SuspiciousHourStart > 23 ||
		c.SuspiciousHourEnd < 0 || c.SuspiciousHourEnd > 24 {
		return fmt.Errorf("suspicious hours out of range: %d-%d", c.SuspiciousHourStart, c.SuspiciousHourEnd)
	}
	if c.PoWDifficulty < 0 || c.PoWDifficulty > 256 {
		return fmt.Errorf("pow difficulty out of range: %d", c.PoWDifficulty)
	}
	if c.SessionMaxRequests <= 0 {
		return fmt.Errorf("session max requests must be positive")
	}
	t := c.Tiers
	if t.ReputationExcellent <= t.ReputationGood || t.ReputationGood <= t.ReputationNeutral {
		return fmt.Errorf("reputation tiers must be strictly descending")
	}
	if t.RiskBlock <= t.RiskHigh || t.RiskHigh <= t.RiskElevated {
		return fmt.Errorf("risk tiers must be strictly ascending")
	}
	return nil
}

// BasePrice returns the configured base price for an endpoint.
func (c *Config) BasePrice(endpoint string) uint64 {
	if p, ok := c.BasePrices[endpoint]; ok {
		return p
	}
	return c.DefaultPrice
}
