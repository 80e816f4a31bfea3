package router

import (
	"testing"
	"time"

	"github.com/splitrouter/splitrouter/internal/masking"
)

func TestSessionRegistryRegisterAndSnapshot(t *testing.T) {
	r := NewSessionRegistry()
	id := r.Register(masking.Account{User: "app", Host: "10.0.0.1"}, "orders", time.Now())

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d sessions, want 1", len(snap))
	}
	if snap[0].ID != id || snap[0].Account.User != "app" || snap[0].Database != "orders" {
		t.Fatalf("unexpected session info: %+v", snap[0])
	}
}

func TestSessionRegistryUnregisterRemoves(t *testing.T) {
	r := NewSessionRegistry()
	id := r.Register(masking.Account{User: "app", Host: "10.0.0.1"}, "orders", time.Now())
	r.Unregister(id)

	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty registry after unregister")
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("expected Get to report missing session after unregister")
	}
}

func TestSessionRegistrySetBackends(t *testing.T) {
	r := NewSessionRegistry()
	id := r.Register(masking.Account{User: "app", Host: "10.0.0.1"}, "orders", time.Now())
	r.SetBackends(id, []string{"master1", "slave1"})

	info, ok := r.Get(id)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if len(info.Backends) != 2 || info.Backends[0] != "master1" {
		t.Fatalf("unexpected backends: %+v", info.Backends)
	}
}

func TestSessionRegistrySetBackendsOnUnknownIDIsNoop(t *testing.T) {
	r := NewSessionRegistry()
	r.SetBackends(999, []string{"ghost"}) // must not panic
}

func TestSessionRegistryAssignsDistinctIDs(t *testing.T) {
	r := NewSessionRegistry()
	a := r.Register(masking.Account{User: "a"}, "", time.Now())
	b := r.Register(masking.Account{User: "b"}, "", time.Now())
	if a == b {
		t.Fatalf("expected distinct ids, got %d and %d", a, b)
	}
}
