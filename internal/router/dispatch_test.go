package router

import (
	"context"
	"testing"
	"time"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/wire"
)

func openTestSession(t *testing.T) *Session {
	t.Helper()
	ln := fakeBackend(t)
	t.Cleanup(func() { ln.Close() })

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
	t.Cleanup(s.Close)
	return s
}

func TestRouteCreateTemporaryTableAddsToTempTableSet(t *testing.T) {
	s := openTestSession(t)

	s.route(context.Background(), pendingCommand{
		command: wire.ComQuery,
		payload: []byte("CREATE TEMPORARY TABLE tmp_report (id INT)"),
	})

	if !s.referencesTempTable([]byte("SELECT * FROM tmp_report")) {
		t.Error("expected tmp_report to be recognized as a known temp table after CREATE TEMPORARY TABLE")
	}
}

func TestRouteDropTemporaryTableRemovesFromTempTableSet(t *testing.T) {
	s := openTestSession(t)

	s.route(context.Background(), pendingCommand{
		command: wire.ComQuery,
		payload: []byte("CREATE TEMPORARY TABLE tmp_report (id INT)"),
	})
	s.route(context.Background(), pendingCommand{
		command: wire.ComQuery,
		payload: []byte("DROP TEMPORARY TABLE tmp_report"),
	})

	if s.referencesTempTable([]byte("SELECT * FROM tmp_report")) {
		t.Error("expected tmp_report to be forgotten after DROP TEMPORARY TABLE")
	}
}

func TestRouteCreateTemporaryTableWithIfNotExists(t *testing.T) {
	s := openTestSession(t)

	s.route(context.Background(), pendingCommand{
		command: wire.ComQuery,
		payload: []byte("CREATE TEMPORARY TABLE IF NOT EXISTS scratch (id INT)"),
	})

	if !s.referencesTempTable([]byte("SELECT * FROM scratch")) {
		t.Error("expected scratch to be recognized as a known temp table")
	}
}

func TestAttachIncrementsRouterConnectionsAndCloseDecrements(t *testing.T) {
	s := openTestSession(t)

	cand, ok := s.deps.Registry.Get("master1")
	if !ok || cand.RouterConnections != 1 {
		t.Fatalf("expected router_connections=1 for master1 after Open, got %+v", cand)
	}

	s.Close()

	cand, ok = s.deps.Registry.Get("master1")
	if !ok || cand.RouterConnections != 0 {
		t.Fatalf("expected router_connections=0 for master1 after Close, got %+v", cand)
	}
}

func TestServerLoadReflectsRegistryCounters(t *testing.T) {
	s := openTestSession(t)

	s.deps.Registry.SetGlobalConnections("master1", 11)
	s.deps.Registry.IncCurrentOperations("master1")

	load := s.serverLoad("master1")
	if load.GlobalConnections != 11 {
		t.Errorf("globalConnections = %d, want 11", load.GlobalConnections)
	}
	if load.RouterConnections != 1 {
		t.Errorf("routerConnections = %d, want 1 (from Open's attach)", load.RouterConnections)
	}
	if load.CurrentOperations != 1 {
		t.Errorf("currentOperations = %d, want 1", load.CurrentOperations)
	}
}

func TestServerLoadUnknownServerIsZero(t *testing.T) {
	s := openTestSession(t)
	load := s.serverLoad("does-not-exist")
	if load.GlobalConnections != 0 || load.RouterConnections != 0 || load.CurrentOperations != 0 {
		t.Errorf("expected zero-value load for unknown server, got %+v", load)
	}
}
