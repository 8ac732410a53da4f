package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DecisionEvent is one admission decision as broadcast to observers.
type DecisionEvent struct {
	Type     string    `json:"type"` // always "decision"
	AgentID  string    `json:"agent_id"`
	Endpoint string    `json:"endpoint"`
	Outcome  Outcome   `json:"outcome"`
	Unmet    string    `json:"unmet,omitempty"`
	Price    string    `json:"price,omitempty"`
	Risk     int       `json:"risk,omitempty"`
	At       time.Time `json:"at"`
}

// wsEnvelope is the message envelope for the /ws stream in both directions.
type wsEnvelope struct {
	Type     string   `json:"type"`
	Agents   []string `json:"agents,omitempty"`   // subscribe filter; empty = all
	Error    string   `json:"error,omitempty"`
	Observed int      `json:"observed,omitempty"` // decisions broadcast so far
}

// wsObserver is one connected observer.
type wsObserver struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	agents map[string]bool // empty map = all agents
	cancel context.CancelFunc
}

func (o *wsObserver) wants(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.agents) == 0 || o.agents[agentID]
}

// DecisionHub fans admission decisions out to WebSocket observers.
type DecisionHub struct {
	mu        sync.Mutex
	observers map[*wsObserver]bool
	observed  int
}

func NewDecisionHub() *DecisionHub {
	return &DecisionHub{observers: make(map[*wsObserver]bool)}
}

func (h *DecisionHub) register(o *wsObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[o] = true
}

func (h *DecisionHub) unregister(o *wsObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, o)
}

// ObserverCount returns the number of connected observers.
func (h *DecisionHub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast pushes one decision to every observer subscribed to the agent.
// Slow or dead observers are cut, never waited on.
func (h *DecisionHub) Broadcast(req *AdmissionRequest, d *Decision) {
	h.mu.Lock()
	h.observed++
	observers := make([]*wsObserver, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	if len(observers) == 0 {
		return
	}

	ev := DecisionEvent{
		Type:     "decision",
		AgentID:  req.AgentID,
		Endpoint: req.Endpoint,
		Outcome:  d.Outcome,
		Unmet:    d.Unmet,
		At:       time.Now(),
	}
	if d.Quote != nil {
		ev.Price = d.Quote.Final
	}
	if d.Snapshot != nil {
		ev.Risk = d.Snapshot.Risk
	}

	for _, o := range observers {
		if !o.wants(req.AgentID) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, o.conn, ev)
		cancel()
		if err != nil {
			log.Printf("ws: dropping observer: %v", err)
			o.cancel()
		}
	}
}

// handleWS is the HTTP handler for the /ws decision stream.
func (h *DecisionHub) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	obs := &wsObserver{
		conn:   c,
		agents: make(map[string]bool),
		cancel: cancel,
	}

	h.register(obs)
	defer func() {
		h.unregister(obs)
		c.CloseNow()
	}()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	_ = wsjson.Write(wctx, c, wsEnvelope{Type: "connected", Observed: h.observedCount()})
	wcancel()

	// Read loop: subscribe messages narrow the filter; anything else closes.
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg wsEnvelope
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			resolved := make([]string, 0, len(msg.Agents))
			for _, raw := range msg.Agents {
				id, err := resolveAgentID(raw)
				if err != nil {
					continue
				}
				resolved = append(resolved, id)
			}
			obs.mu.Lock()
			for _, id := range resolved {
				obs.agents[id] = true
			}
			obs.mu.Unlock()
		case "unsubscribe":
			obs.mu.Lock()
			for _, raw := range msg.Agents {
				if id, err := resolveAgentID(raw); err == nil {
					delete(obs.agents, id)
				}
			}
			obs.mu.Unlock()
		default:
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(wctx, c, wsEnvelope{Type: "error", Error: "unknown message type"})
			wcancel()
		}
	}
}

func (h *DecisionHub) observedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observed
}
