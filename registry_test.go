package main

import (
	"testing"
	"time"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewAgentRegistry()
	clock := newFakeClock()
	r.now = clock.now

	if _, ok := r.Get(testAgent); ok {
		t.Fatal("unknown agent reported as registered")
	}

	info := r.Register(testAgent)
	if !info.Registered || !info.Active {
		t.Fatalf("fresh registration: %+v", info)
	}
	if !info.RegisteredAt.Equal(clock.now()) {
		t.Fatal("registration timestamp not taken from the clock")
	}

	r.Deactivate(testAgent)
	got, ok := r.Get(testAgent)
	if !ok || got.Active {
		t.Fatalf("deactivation did not stick: %+v", got)
	}

	// Re-registering reactivates without resetting the original timestamp.
	clock.advance(time.Minute)
	again := r.Register(testAgent)
	if !again.Active {
		t.Fatal("re-registration must reactivate")
	}
	if !again.RegisteredAt.Equal(info.RegisteredAt) {
		t.Fatal("re-registration must keep the original timestamp")
	}

	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(testAgent)

	got, _ := r.Get(testAgent)
	got.Active = false

	fresh, _ := r.Get(testAgent)
	if !fresh.Active {
		t.Fatal("Get must return a detached copy")
	}
}

func TestRegistryDeactivateUnknown(t *testing.T) {
	r := NewAgentRegistry()
	r.Deactivate(testAgent) // no-op, must not create the agent
	if r.Count() != 0 {
		t.Fatalf("count = %d", r.Count())
	}
}
