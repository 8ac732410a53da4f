package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func setupHubServer(t *testing.T) (*DecisionHub, *httptest.Server) {
	t.Helper()
	hub := NewDecisionHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handleWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, server
}

func dialHub(t *testing.T, ctx context.Context, server *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, "ws"+server.URL[4:]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })

	var welcome wsEnvelope
	if err := wsjson.Read(ctx, c, &welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != "connected" {
		t.Fatalf("welcome type = %q", welcome.Type)
	}
	return c
}

func waitForObservers(t *testing.T, hub *DecisionHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ObserverCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("observer count stuck at %d, want %d", hub.ObserverCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsDecisions(t *testing.T) {
	hub, server := setupHubServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialHub(t, ctx, server)
	waitForObservers(t, hub, 1)

	hub.Broadcast(
		&AdmissionRequest{AgentID: testAgent, Endpoint: "/v1/complete"},
		&Decision{Outcome: OutcomeAdmitted},
	)

	var ev DecisionEvent
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "decision" || ev.AgentID != testAgent || ev.Outcome != OutcomeAdmitted {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubSubscribeFilter(t *testing.T) {
	hub, server := setupHubServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialHub(t, ctx, server)
	waitForObservers(t, hub, 1)

	if err := wsjson.Write(ctx, c, wsEnvelope{Type: "subscribe", Agents: []string{testRater}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// The subscribe is processed asynchronously by the read loop.
	time.Sleep(50 * time.Millisecond)

	// Filtered out, then matching: only the second arrives.
	hub.Broadcast(&AdmissionRequest{AgentID: testAgent, Endpoint: "/v1/embed"},
		&Decision{Outcome: OutcomeBlocked})
	hub.Broadcast(&AdmissionRequest{AgentID: testRater, Endpoint: "/v1/embed"},
		&Decision{Outcome: OutcomeAdmitted})

	var ev DecisionEvent
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.AgentID != testRater {
		t.Fatalf("filter leaked decision for %s", ev.AgentID)
	}
}

func TestHubUnknownMessageType(t *testing.T) {
	hub, server := setupHubServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialHub(t, ctx, server)
	waitForObservers(t, hub, 1)

	if err := wsjson.Write(ctx, c, wsEnvelope{Type: "nonsense"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp wsEnvelope
	if err := wsjson.Read(ctx, c, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != "error" || resp.Error == "" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
}

func TestHubObserverCleanup(t *testing.T) {
	hub, server := setupHubServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialHub(t, ctx, server)
	waitForObservers(t, hub, 1)

	c.Close(websocket.StatusNormalClosure, "done")
	waitForObservers(t, hub, 0)
}
