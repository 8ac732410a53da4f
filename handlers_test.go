package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(mutate func(*Config)) (*Server, *http.ServeMux) {
	cfg := DefaultConfig()
	cfg.PoWDifficulty = 0
	cfg.OperatorToken = "op-secret"
	if mutate != nil {
		mutate(cfg)
	}

	registry := NewAgentRegistry()
	reputation := NewReputationLedger()
	reputation.AuthorizeSubmitter(operatorIdentity)
	staking := NewStakingLedger(cfg)
	staking.AuthorizeSlasher(operatorIdentity)
	risk := NewRiskEngine(cfg)
	gate := NewFloodGate(cfg)
	sessions := NewSessionIssuer([]byte("test-secret"))
	hub := NewDecisionHub()

	controller := NewAdmissionController(cfg, gate, sessions, reputation, staking, risk, registry,
		NewLocalPaymentValidator())
	controller.SetHub(hub)

	writer := NewLedgerWriter(reputation, staking, 16)
	srv := NewServer(cfg, controller, gate, sessions, reputation, staking, risk, registry, writer, hub)

	mux := http.NewServeMux()
	srv.Routes(mux)
	return srv, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestServer(nil)
	rec := doJSON(t, mux, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Fatalf("unexpected status %v", body["status"])
	}
}

func TestPricingEndpoint(t *testing.T) {
	_, mux := newTestServer(nil)
	rec := doJSON(t, mux, "GET", "/pricing", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pricing returned %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["priced_endpoints"]; !ok {
		t.Fatal("pricing must list priced endpoints")
	}
}

func TestAdmitEndpointStatuses(t *testing.T) {
	_, mux := newTestServer(nil)

	// No payment: 402 with the full retry contract.
	rec := doJSON(t, mux, "POST", "/admit", "", AdmissionRequest{
		AgentID: testAgent, Endpoint: "/v1/complete",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var d Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Quote == nil || len(d.Quote.Factors) != 4 || d.Snapshot == nil {
		t.Fatal("402 body must carry quote breakdown and snapshot")
	}

	// Paying the quoted amount admits with 200 and a session token.
	rec = doJSON(t, mux, "POST", "/admit", "", AdmissionRequest{
		AgentID:  testAgent,
		Endpoint: "/v1/complete",
		Payment:  &PaymentProof{Reference: "pay-1", Amount: d.Quote.Final},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var admitted Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &admitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if admitted.SessionToken == "" {
		t.Fatal("admitted body must carry a session token")
	}
}

func TestAdmitChallengeStatus(t *testing.T) {
	_, mux := newTestServer(func(cfg *Config) { cfg.PoWDifficulty = 8 })

	rec := doJSON(t, mux, "POST", "/admit", "", AdmissionRequest{
		AgentID: testAgent, Endpoint: "/v1/complete",
	})
	if rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d", rec.Code)
	}
}

func TestOperatorAuth(t *testing.T) {
	_, mux := newTestServer(nil)

	rec := doJSON(t, mux, "POST", "/stake", "", stakeBody{Agent: testAgent, Amount: "200000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/stake", "wrong", stakeBody{Agent: testAgent, Amount: "200000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token should 401, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/stake", "op-secret", stakeBody{Agent: testAgent, Amount: "200000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token should 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStakeLifecycleOverHTTP(t *testing.T) {
	srv, mux := newTestServer(nil)
	srv.staking.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	rec := doJSON(t, mux, "POST", "/stake", "op-secret", stakeBody{Agent: testAgent, Amount: "500000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stake: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "POST", "/unstake", "op-secret", stakeBody{Agent: testAgent, Amount: "200000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unstake: %d %s", rec.Code, rec.Body.String())
	}

	// Still unbonding: completion is a policy violation, 403.
	rec = doJSON(t, mux, "POST", "/unstake/complete", "op-secret", agentBody{Agent: testAgent})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("early completion should 403, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/unstake/cancel", "op-secret", agentBody{Agent: testAgent})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "GET", "/agent?id="+testAgent, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent: %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["stake"] != "500000" {
		t.Fatalf("expected stake restored to 500000, got %v", body["stake"])
	}
}

func TestFeedbackQueuedAndApplied(t *testing.T) {
	srv, mux := newTestServer(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.writer.Run(ctx)

	rec := doJSON(t, mux, "POST", "/feedback", "op-secret", feedbackBody{
		Agent: testAgent, Rater: testRater, Rating: 5, Payment: "1000", JobID: "job-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("feedback: %d %s", rec.Code, rec.Body.String())
	}

	// The write is asynchronous; poll briefly for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		score, _ := srv.reputation.Score(testAgent)
		if score == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feedback never applied, score=%d", score)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	srv, mux := newTestServer(nil)

	encoded, err := srv.sessions.Issue(testAgent, testCaveats(), testSnapshot())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tok, err := srv.sessions.Verify(encoded, "/v1/complete")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	rec := doJSON(t, mux, "POST", "/revoke", "op-secret", revokeBody{SessionID: tok.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}

	if _, err := srv.sessions.Verify(encoded, "/v1/complete"); err == nil {
		t.Fatal("revoked session must not verify")
	}
}

func TestRegisterAndDeactivate(t *testing.T) {
	_, mux := newTestServer(nil)

	rec := doJSON(t, mux, "POST", "/register", "op-secret", agentBody{Agent: testAgent})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "POST", "/deactivate", "op-secret", agentBody{Agent: testAgent})
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", rec.Code)
	}

	// Deactivated agents are refused admission.
	rec = doJSON(t, mux, "POST", "/admit", "", AdmissionRequest{
		AgentID: testAgent, Endpoint: "/v1/complete",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("deactivated agent should 403, got %d", rec.Code)
	}
}

func TestIndexAndNotFound(t *testing.T) {
	_, mux := newTestServer(nil)

	rec := doJSON(t, mux, "GET", "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("index: %d", rec.Code)
	}

	rec = doJSON(t, mux, "GET", "/no-such-path", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
