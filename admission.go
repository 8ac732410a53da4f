package main

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/holiman/uint256"
)

// Outcome is the terminal state of one admission decision.
type Outcome string

const (
	OutcomeChallengeRequired Outcome = "challenge_required"
	OutcomeBlocked           Outcome = "blocked"
	OutcomePaymentRequired   Outcome = "payment_required"
	OutcomeAdmitted          Outcome = "admitted"
)

// AgentSnapshot is the ledger view used for one decision. On the session
// fast path it comes from the token's issuance instead of a fresh read.
type AgentSnapshot struct {
	AgentID    string `json:"agent_id"`
	Registered bool   `json:"registered"`
	Reputation int    `json:"reputation"`
	Risk       int    `json:"risk"`
	Stake      string `json:"stake"` // base units, decimal
	NewAgent   bool   `json:"new_agent"`
}

func (s *AgentSnapshot) stakeInt() *uint256.Int {
	v, err := uint256.FromDecimal(s.Stake)
	if err != nil {
		return uint256.NewInt(0)
	}
	return v
}

// PaymentProof is the opaque settlement receipt attached to a request. The
// gateway checks amount and destination; cryptographic verification and
// settlement belong to the payment collaborator.
type PaymentProof struct {
	Reference   string `json:"reference"` // settlement id, single-use
	Amount      string `json:"amount"`    // base units, decimal
	Destination string `json:"destination"`
}

// PaymentValidator is the external settlement collaborator's interface.
type PaymentValidator interface {
	Validate(proof *PaymentProof, required *uint256.Int, destination string) error
}

// AdmissionRequest is one caller request as the serving layer hands it over.
type AdmissionRequest struct {
	AgentID         string        `json:"agent_id"`
	Endpoint        string        `json:"endpoint"`
	ChallengeID     string        `json:"challenge_id,omitempty"`
	ChallengeAnswer string        `json:"challenge_answer,omitempty"`
	SessionToken    string        `json:"session_token,omitempty"`
	Payment         *PaymentProof `json:"payment,omitempty"`
}

// Decision is the single result type of Admit.
type Decision struct {
	Outcome      Outcome        `json:"outcome"`
	Challenge    *Challenge     `json:"challenge,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Unmet        string         `json:"unmet,omitempty"` // the specific failed requirement
	Quote        *PriceQuote    `json:"quote,omitempty"`
	Snapshot     *AgentSnapshot `json:"snapshot,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
}

// AdmissionController turns ledger state, live risk and payment proofs into
// one of four decisions. It holds no lock across any ledger call and treats
// every ledger read failure as "new agent" rather than failing closed.
type AdmissionController struct {
	cfg        *Config
	gate       *FloodGate
	sessions   *SessionIssuer
	reputation ReputationReader
	staking    StakeReader
	risk       *RiskEngine
	registry   *AgentRegistry
	payments   PaymentValidator
	hub        *DecisionHub // optional
}

// ReputationReader is the read surface consumed from the reputation ledger.
type ReputationReader interface {
	Score(agent string) (int, error)
	HasHistory(agent string) (bool, error)
}

// StakeReader is the read surface consumed from the staking ledger.
type StakeReader interface {
	FreeStake(agent string) (*uint256.Int, error)
}

func NewAdmissionController(cfg *Config, gate *FloodGate, sessions *SessionIssuer,
	rep ReputationReader, stk StakeReader, risk *RiskEngine, reg *AgentRegistry,
	pay PaymentValidator) *AdmissionController {
	return &AdmissionController{
		cfg:        cfg,
		gate:       gate,
		sessions:   sessions,
		reputation: rep,
		staking:    stk,
		risk:       risk,
		registry:   reg,
		payments:   pay,
	}
}

// SetHub attaches a decision broadcast hub.
func (c *AdmissionController) SetHub(h *DecisionHub) { c.hub = h }

// Admit runs the per-request state machine:
// flood check -> (session fast path | full verify) -> blocked |
// payment-required | admitted.
func (c *AdmissionController) Admit(req *AdmissionRequest) *Decision {
	d := c.admit(req)
	if c.hub != nil {
		c.hub.Broadcast(req, d)
	}
	return d
}

func (c *AdmissionController) admit(req *AdmissionRequest) *Decision {
	if err := validEndpoint(req.Endpoint); err != nil {
		return &Decision{Outcome: OutcomeBlocked, Reason: err.Error(), Unmet: "valid endpoint path"}
	}
	agentID, err := resolveAgentID(req.AgentID)
	if err != nil {
		return &Decision{Outcome: OutcomeBlocked, Reason: err.Error(), Unmet: "valid agent id"}
	}

	// Session fast path: a valid token carries the verified snapshot from
	// issuance, so the ledgers and the flood gate are skipped entirely.
	if req.SessionToken != "" {
		tok, err := c.sessions.Verify(req.SessionToken, req.Endpoint)
		switch {
		case err == nil && tok.AgentID == agentID && tok.Snapshot != nil:
			return c.settle(req, agentID, tok.Snapshot, tok)
		case errors.Is(err, ErrReplayOrForgery):
			// Forged or revoked token: note it and fall through to the
			// full path, which will see the abuse flag.
			c.risk.FlagAbuse(agentID, "session token forgery or revoked replay")
		}
		// Expired/exhausted tokens just mean full re-verification.
	}

	// Anti-flood gate ahead of any ledger read.
	if c.gate.Enabled() {
		fresh, err := c.gate.Verify(req.ChallengeID, req.ChallengeAnswer)
		if err != nil {
			if errors.Is(err, ErrReplayOrForgery) {
				c.risk.FlagAbuse(agentID, "anti-flood challenge replay")
			}
			if fresh == nil {
				fresh = c.gate.GenerateChallenge()
			}
			return &Decision{Outcome: OutcomeChallengeRequired, Challenge: fresh, Reason: err.Error()}
		}
	}

	snap := c.snapshot(agentID)

	// Policy checks carry the specific unmet requirement, never a generic
	// denial.
	if info, ok := c.registry.Get(agentID); ok && !info.Active {
		return &Decision{Outcome: OutcomeBlocked, Snapshot: snap,
			Reason: "agent is deactivated", Unmet: "active registration"}
	}
	if c.risk.ShouldBlock(agentID, c.cfg.Tiers) {
		return &Decision{Outcome: OutcomeBlocked, Snapshot: snap,
			Reason: "behavioral risk too high",
			Unmet:  unmetRisk(snap.Risk, c.cfg.Tiers, c.risk.AbuseFlagCount(agentID))}
	}
	if c.cfg.MinReputation > 0 && snap.Reputation < c.cfg.MinReputation {
		return &Decision{Outcome: OutcomeBlocked, Snapshot: snap,
			Reason: "reputation below minimum",
			Unmet:  fmt.Sprintf("reputation >= %d (have %d)", c.cfg.MinReputation, snap.Reputation)}
	}
	if c.cfg.MinStake > 0 {
		min := uint256.NewInt(c.cfg.MinStake)
		if snap.stakeInt().Lt(min) {
			return &Decision{Outcome: OutcomeBlocked, Snapshot: snap,
				Reason: "stake below minimum",
				Unmet:  fmt.Sprintf("stake >= %s (have %s)", min.Dec(), snap.Stake)}
		}
	}

	return c.settle(req, agentID, snap, nil)
}

// settle prices the request and either demands payment or admits. tok is the
// verified fast-path token, nil on the full path.
func (c *AdmissionController) settle(req *AdmissionRequest, agentID string, snap *AgentSnapshot, tok *SessionToken) *Decision {
	base := uint256.NewInt(c.cfg.BasePrice(req.Endpoint))
	quote := Price(c.cfg, base, snap.Reputation, snap.Risk, snap.stakeInt(), snap.NewAgent)

	existing := ""
	if tok != nil {
		existing = req.SessionToken
		// The max-cost caveat bounds what the token covers. A quote past it
		// means a fresh token scoped to the new price, not a reuse.
		if maxCost, err := uint256.FromDecimal(tok.Caveats.MaxCost); err == nil && quote.FinalPrice.Gt(maxCost) {
			existing = ""
		}
	}

	if req.Payment == nil {
		return &Decision{Outcome: OutcomePaymentRequired, Quote: quote, Snapshot: snap}
	}

	if err := c.payments.Validate(req.Payment, quote.FinalPrice, c.cfg.PayoutAddress); err != nil {
		if errors.Is(err, ErrReplayOrForgery) {
			c.risk.FlagAbuse(agentID, "payment reference replay")
		}
		return &Decision{Outcome: OutcomePaymentRequired, Quote: quote, Snapshot: snap,
			Reason: err.Error()}
	}

	c.risk.RecordRequest(agentID)

	token := existing
	if token == "" {
		var err error
		token, err = c.sessions.Issue(agentID, Caveats{
			TTLSeconds:       int64(c.cfg.SessionTTL.Seconds()),
			MaxRequests:      c.cfg.SessionMaxRequests,
			AllowedEndpoints: []string{req.Endpoint},
			MaxCost:          quote.FinalPrice.Dec(),
		}, snap)
		if err != nil {
			// Admission still succeeds; the caller just pays the full
			// path again next time.
			log.Printf("admission: session issue failed for %s: %v", shortID(agentID), err)
		}
	}

	return &Decision{Outcome: OutcomeAdmitted, Snapshot: snap, SessionToken: token, Quote: quote}
}

// snapshot reads the ledgers, degrading to the neutral defaults (score 50,
// stake 0, treated as new) when a ledger read cannot complete.
func (c *AdmissionController) snapshot(agentID string) *AgentSnapshot {
	snap := &AgentSnapshot{
		AgentID:    agentID,
		Reputation: NeutralScore,
		Stake:      "0",
		NewAgent:   true,
	}

	if info, ok := c.registry.Get(agentID); ok {
		snap.Registered = info.Registered
	}

	if score, err := c.reputation.Score(agentID); err == nil {
		snap.Reputation = score
	} else {
		log.Printf("admission: reputation read failed for %s, using neutral: %v", shortID(agentID), err)
	}
	if hist, err := c.reputation.HasHistory(agentID); err == nil {
		snap.NewAgent = !hist
	}
	if stake, err := c.staking.FreeStake(agentID); err == nil {
		snap.Stake = stake.Dec()
	} else {
		log.Printf("admission: stake read failed for %s, using zero: %v", shortID(agentID), err)
	}

	snap.Risk = c.risk.CalculateRisk(agentID)
	return snap
}

func unmetRisk(risk int, t Tiers, flags int) string {
	if flags >= t.AbuseFlagBlock {
		return fmt.Sprintf("fewer than %d abuse flags (have %d)", t.AbuseFlagBlock, flags)
	}
	return fmt.Sprintf("risk <= %d (have %d)", t.RiskBlock, risk)
}

// localPaymentValidator is the in-process stand-in for the settlement
// collaborator: it checks amount and destination and consumes each payment
// reference exactly once.
type localPaymentValidator struct {
	mu   sync.Mutex
	used map[string]bool
}

func NewLocalPaymentValidator() *localPaymentValidator {
	return &localPaymentValidator{used: make(map[string]bool)}
}

func (v *localPaymentValidator) Validate(proof *PaymentProof, required *uint256.Int, destination string) error {
	if proof == nil || proof.Reference == "" {
		return invalidErr("payment reference required")
	}
	amount, err := uint256.FromDecimal(proof.Amount)
	if err != nil {
		return invalidErr("payment amount: %v", err)
	}
	if amount.Lt(required) {
		return policyErr("payment %s below required %s", amount.Dec(), required.Dec())
	}
	if destination != "" && proof.Destination != destination {
		return invalidErr("payment destination mismatch")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.used[proof.Reference] {
		return ErrReplayOrForgery
	}
	v.used[proof.Reference] = true
	return nil
}
