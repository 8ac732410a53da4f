package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// operatorIdentity is the ledger-level identity behind the operator token.
// It is authorized as feedback submitter and slasher at startup.
const operatorIdentity = "operator"

// Server wires the components behind the HTTP surface.
type Server struct {
	cfg        *Config
	controller *AdmissionController
	gate       *FloodGate
	sessions   *SessionIssuer
	reputation *ReputationLedger
	staking    *StakingLedger
	risk       *RiskEngine
	registry   *AgentRegistry
	writer     *LedgerWriter
	hub        *DecisionHub
	started    time.Time
}

func NewServer(cfg *Config, controller *AdmissionController, gate *FloodGate,
	sessions *SessionIssuer, rep *ReputationLedger, stk *StakingLedger,
	risk *RiskEngine, reg *AgentRegistry, writer *LedgerWriter, hub *DecisionHub) *Server {
	return &Server{
		cfg:        cfg,
		controller: controller,
		gate:       gate,
		sessions:   sessions,
		reputation: rep,
		staking:    stk,
		risk:       risk,
		registry:   reg,
		writer:     writer,
		hub:        hub,
		started:    time.Now(),
	}
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/admit", s.handleAdmit)
	mux.HandleFunc("/challenge", s.handleChallenge)
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/pricing", s.handlePricing)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.handleWS)

	mux.HandleFunc("/register", s.operator(s.handleRegister))
	mux.HandleFunc("/deactivate", s.operator(s.handleDeactivate))
	mux.HandleFunc("/feedback", s.operator(s.handleFeedback))
	mux.HandleFunc("/outcome", s.operator(s.handleOutcome))
	mux.HandleFunc("/stake", s.operator(s.handleStake))
	mux.HandleFunc("/unstake", s.operator(s.handleUnstake))
	mux.HandleFunc("/unstake/complete", s.operator(s.handleUnstakeComplete))
	mux.HandleFunc("/unstake/cancel", s.operator(s.handleUnstakeCancel))
	mux.HandleFunc("/slash", s.operator(s.handleSlash))
	mux.HandleFunc("/revoke", s.operator(s.handleRevoke))

	mux.HandleFunc("/", s.handleIndex)
}

// operator guards ledger-mutating endpoints with the configured bearer token.
func (s *Server) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OperatorToken == "" {
			writeError(w, http.StatusForbidden, "operator endpoints disabled: no operator token configured")
			return
		}
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if auth != "Bearer "+s.cfg.OperatorToken {
			writeError(w, http.StatusUnauthorized, "operator token required")
			return
		}
		next(w, r)
	}
}

// --- admission path ---

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	d := s.controller.Admit(&req)

	status := http.StatusOK
	switch d.Outcome {
	case OutcomeChallengeRequired:
		status = http.StatusPreconditionRequired
	case OutcomeBlocked:
		status = http.StatusForbidden
	case OutcomePaymentRequired:
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, d)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.gate.GenerateChallenge())
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id, err := resolveAgentID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, registered := s.registry.Get(id)
	score, _ := s.reputation.Score(id)
	stakeRec, hasStake := s.staking.Record(id)

	resp := map[string]interface{}{
		"agent_id":   id,
		"registered": registered,
		"active":     info.Active,
		"reputation": score,
		"risk":       s.risk.CalculateRisk(id),
	}
	if rec, ok := s.reputation.Record(id); ok {
		resp["unique_raters"] = rec.Raters.Cardinality()
		resp["successful_jobs"] = rec.SuccessfulJobs
		resp["failed_jobs"] = rec.FailedJobs
		resp["total_weight"] = rec.TotalWeight.Dec()
	}
	if hasStake {
		resp["stake"] = stakeRec.Amount.Dec()
		resp["pending_unstake"] = stakeRec.PendingUnstake.Dec()
		resp["slashed_total"] = stakeRec.SlashedTotal.Dec()
		if !stakeRec.UnlocksAt.IsZero() {
			resp["unlocks_at"] = stakeRec.UnlocksAt.Format(time.RFC3339)
		}
	} else {
		resp["stake"] = "0"
	}

	writeJSON(w, http.StatusOK, resp)
}

// PricedEndpoint is one row of the public price table.
type PricedEndpoint struct {
	Path      string `json:"path"`
	BasePrice string `json:"base_price"`
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	endpoints := make([]PricedEndpoint, 0, len(s.cfg.BasePrices))
	for p, amt := range s.cfg.BasePrices {
		endpoints = append(endpoints, PricedEndpoint{Path: p, BasePrice: uint256.NewInt(amt).Dec()})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Path < endpoints[j].Path })

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"priced_endpoints":      endpoints,
		"default_price":         uint256.NewInt(s.cfg.DefaultPrice).Dec(),
		"price_floor_bps":       bpsOne / priceFloorDivisor,
		"reference_stake":       uint256.NewInt(s.cfg.ReferenceStake).Dec(),
		"pow_difficulty":        s.gate.Difficulty(),
		"session_ttl_seconds":   int(s.cfg.SessionTTL.Seconds()),
		"session_max_requests":  s.cfg.SessionMaxRequests,
		"rate_limit_per_window": s.cfg.RateLimit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ready",
		"agents":        s.registry.Count(),
		"risk_profiles": s.risk.ProfileSize(),
		"write_backlog": s.writer.Pending(),
		"ws_observers":  s.hub.ObserverCount(),
		"treasury":      s.staking.TreasuryBalance().Dec(),
		"uptime":        time.Since(s.started).String(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        "Agent Gate",
		"description": "Reputation- and stake-gated admission control for a metered agent API.",
		"endpoints": `POST /admit - admission decision (challenge | blocked | payment required | admitted)
GET /challenge - fresh anti-flood challenge
GET /agent?id=<hex|npub> - ledger snapshot for an agent
GET /pricing - price table and retry contract
GET /health - service status
GET /ws - admission decision stream (WebSocket)`,
	})
}

// --- operator path ---

type agentBody struct {
	Agent string `json:"agent"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var b agentBody
	id, ok := s.decodeAgent(w, r, &b)
	if !ok {
		return
	}
	info := s.registry.Register(id)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var b agentBody
	id, ok := s.decodeAgent(w, r, &b)
	if !ok {
		return
	}
	s.registry.Deactivate(id)
	writeJSON(w, http.StatusOK, map[string]string{"agent": id, "status": "deactivated"})
}

type feedbackBody struct {
	Agent   string `json:"agent"`
	Rater   string `json:"rater"`
	Rating  int    `json:"rating"`
	Payment string `json:"payment"`
	JobID   string `json:"job_id"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var b feedbackBody
	if !decodeBody(w, r, &b) {
		return
	}
	agent, err := resolveAgentID(b.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rater, err := resolveAgentID(b.Rater)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rater: "+err.Error())
		return
	}
	payment, err := uint256.FromDecimal(b.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payment: "+err.Error())
		return
	}

	queued := s.writer.Enqueue(&LedgerWrite{
		Kind:      WriteFeedback,
		Submitter: operatorIdentity,
		Agent:     agent,
		Rater:     rater,
		Rating:    b.Rating,
		Payment:   payment,
		JobID:     b.JobID,
	})
	if !queued {
		writeError(w, http.StatusServiceUnavailable, "ledger write queue full, retry later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type outcomeBody struct {
	Agent   string `json:"agent"`
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var b outcomeBody
	if !decodeBody(w, r, &b) {
		return
	}
	agent, err := resolveAgentID(b.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	queued := s.writer.Enqueue(&LedgerWrite{
		Kind:      WriteOutcome,
		Submitter: operatorIdentity,
		Agent:     agent,
		JobID:     b.JobID,
		Success:   b.Success,
	})
	if !queued {
		writeError(w, http.StatusServiceUnavailable, "ledger write queue full, retry later")
		return
	}
	if !b.Success {
		s.risk.RecordFailure(agent)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type stakeBody struct {
	Agent  string `json:"agent"`
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	agent, amount, ok := s.decodeStake(w, r)
	if !ok {
		return
	}
	if err := s.staking.Stake(agent, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	rec, _ := s.staking.Record(agent)
	writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "stake": rec.Amount.Dec()})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	agent, amount, ok := s.decodeStake(w, r)
	if !ok {
		return
	}
	if err := s.staking.RequestUnstake(agent, agent, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	rec, _ := s.staking.Record(agent)
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":           agent,
		"pending_unstake": rec.PendingUnstake.Dec(),
		"unlocks_at":      rec.UnlocksAt.Format(time.RFC3339),
	})
}

func (s *Server) handleUnstakeComplete(w http.ResponseWriter, r *http.Request) {
	var b agentBody
	id, ok := s.decodeAgent(w, r, &b)
	if !ok {
		return
	}
	released, err := s.staking.CompleteUnstake(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": id, "released": released.Dec()})
}

func (s *Server) handleUnstakeCancel(w http.ResponseWriter, r *http.Request) {
	var b agentBody
	id, ok := s.decodeAgent(w, r, &b)
	if !ok {
		return
	}
	if err := s.staking.CancelUnstake(id); err != nil {
		writeLedgerError(w, err)
		return
	}
	rec, _ := s.staking.Record(id)
	writeJSON(w, http.StatusOK, map[string]string{"agent": id, "stake": rec.Amount.Dec()})
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	var b stakeBody
	if !decodeBody(w, r, &b) {
		return
	}
	agent, err := resolveAgentID(b.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := uint256.FromDecimal(b.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	if err := s.staking.Slash(operatorIdentity, agent, amount, b.Reason); err != nil {
		writeLedgerError(w, err)
		return
	}
	rec, _ := s.staking.Record(agent)
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":         agent,
		"stake":         rec.Amount.Dec(),
		"slashed_total": rec.SlashedTotal.Dec(),
	})
}

type revokeBody struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var b revokeBody
	if !decodeBody(w, r, &b) {
		return
	}
	if b.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	s.sessions.Revoke(b.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": b.SessionID, "status": "revoked"})
}

// --- helpers ---

func (s *Server) decodeAgent(w http.ResponseWriter, r *http.Request, b *agentBody) (string, bool) {
	if !decodeBody(w, r, b) {
		return "", false
	}
	id, err := resolveAgentID(b.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) decodeStake(w http.ResponseWriter, r *http.Request) (string, *uint256.Int, bool) {
	var b stakeBody
	if !decodeBody(w, r, &b) {
		return "", nil, false
	}
	agent, err := resolveAgentID(b.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	amount, err := uint256.FromDecimal(b.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return "", nil, false
	}
	return agent, amount, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return false
	}
	return true
}

// writeLedgerError maps the error taxonomy onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrPolicyViolation):
		status = http.StatusForbidden
	case errors.Is(err, ErrReplayOrForgery), errors.Is(err, ErrExpiredOrExhausted):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
