package main

import (
	"sync"
	"time"
)

// AgentInfo is the registry's view of one agent. Agents are never deleted;
// deactivation flips Active and reactivation flips it back.
type AgentInfo struct {
	ID           string    `json:"id"`
	Registered   bool      `json:"registered"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AgentRegistry tracks which agent ids have registered and whether they are
// currently active.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentInfo
	now    func() time.Time
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*AgentInfo),
		now:    time.Now,
	}
}

// Register creates the agent on first call and reactivates it on repeats.
func (r *AgentRegistry) Register(id string) *AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		a.Active = true
		return a
	}
	a := &AgentInfo{ID: id, Registered: true, Active: true, RegisteredAt: r.now()}
	r.agents[id] = a
	return a
}

// Deactivate marks a registered agent inactive. Unknown ids are a no-op.
func (r *AgentRegistry) Deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.Active = false
	}
}

// Get returns a copy of the agent's info and whether it is registered.
func (r *AgentRegistry) Get(id string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return AgentInfo{ID: id}, false
	}
	return *a, true
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
