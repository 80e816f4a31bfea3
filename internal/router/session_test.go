package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// fakeBackend accepts one connection, completes a handshake, and sends an
// OK to anything it's asked afterward — enough for Session.Open/attach to
// consider it a usable master.
func fakeBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(3 * time.Second))
				greeting, _ := wire.NewHandshakeV10("8.0.34-fake", 1)
				if _, err := wire.WritePacket(conn, greeting.Build(), 0); err != nil {
					return
				}
				if _, err := wire.ReadPacket(conn); err != nil {
					return
				}
				wire.WritePacket(conn, wire.BuildOK(0, 0, wire.StatusAutocommit, 0), 2)
			}(conn)
		}
	}()
	return ln
}

func testConfig() Config {
	return Config{MaxSescmdHistory: 10, MasterFailureMode: FailInstantly}
}

func TestSessionOpenRegistersWithSessionRegistry(t *testing.T) {
	ln := fakeBackend(t)
	defer ln.Close()

	reg := backend.NewRegistry()
	reg.Upsert(backend.Server{Name: "master1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	reg.SetHealthy("master1", true)

	sessions := NewSessionRegistry()
	deps := Deps{
		Registry:    reg,
		Credentials: backend.Credentials{Username: "router"},
		DialTimeout: 2 * time.Second,
		Sessions:    sessions,
	}

	s := NewSession(testConfig(), deps, masking.Account{User: "app", Host: "127.0.0.1"}, "orders")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := sessions.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d registered sessions, want 1", len(snap))
	}
	if snap[0].Database != "orders" || len(snap[0].Backends) != 1 || snap[0].Backends[0] != "master1" {
		t.Fatalf("unexpected session info: %+v", snap[0])
	}
}

func TestSessionCloseUnregistersSession(t *testing.T) {
	ln := fakeBackend(t)
	defer ln.Close()

	reg := backend.NewRegistry()
	reg.Upsert(backend.Server{Name: "master1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	reg.SetHealthy("master1", true)

	sessions := NewSessionRegistry()
	deps := Deps{
		Registry:    reg,
		Credentials: backend.Credentials{Username: "router"},
		DialTimeout: 2 * time.Second,
		Sessions:    sessions,
	}

	s := NewSession(testConfig(), deps, masking.Account{}, "")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if len(sessions.Snapshot()) != 0 {
		t.Fatal("expected session to be unregistered after Close")
	}
}

func TestSessionOpenFailsWithoutHealthyMaster(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Upsert(backend.Server{Name: "slave1", Address: "127.0.0.1:1", Role: backend.RoleSlave})
	reg.SetHealthy("slave1", true)

	deps := Deps{
		Registry:    reg,
		Credentials: backend.Credentials{Username: "router"},
		DialTimeout: 2 * time.Second,
	}

	s := NewSession(testConfig(), deps, masking.Account{}, "")
	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected Open to fail with no healthy master")
	}
}

func TestSessionOpenFailsWhenMasterPaused(t *testing.T) {
	ln := fakeBackend(t)
	defer ln.Close()

	reg := backend.NewRegistry()
	reg.Upsert(backend.Server{Name: "master1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	reg.SetHealthy("master1", true)
	reg.SetPaused("master1", true)

	deps := Deps{
		Registry:    reg,
		Credentials: backend.Credentials{Username: "router"},
		DialTimeout: 2 * time.Second,
	}

	s := NewSession(testConfig(), deps, masking.Account{}, "")
	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected Open to fail when the only master is paused")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ln := fakeBackend(t)
	defer ln.Close()

	reg := backend.NewRegistry()
	reg.Upsert(backend.Server{Name: "master1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	reg.SetHealthy("master1", true)

	deps := Deps{
		Registry:    reg,
		Credentials: backend.Credentials{Username: "router"},
		DialTimeout: 2 * time.Second,
	}

	s := NewSession(testConfig(), deps, masking.Account{}, "")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	s.Close() // must not panic or double-unregister
}
