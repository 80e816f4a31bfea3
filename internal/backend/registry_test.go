package backend

import "testing"

func TestRegistryUpsertStartsHealthy(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleMaster})

	c, ok := r.Get("s1")
	if !ok {
		t.Fatal("expected server to be present")
	}
	if !c.Healthy {
		t.Error("newly upserted server should start healthy")
	}
	if c.Paused {
		t.Error("newly upserted server should not start paused")
	}
}

func TestRegistrySetPaused(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleSlave})

	if !r.SetPaused("s1", true) {
		t.Fatal("SetPaused on existing server should report true")
	}
	c, _ := r.Get("s1")
	if !c.Paused {
		t.Error("server should be paused")
	}

	r.SetPaused("s1", false)
	c, _ = r.Get("s1")
	if c.Paused {
		t.Error("server should no longer be paused")
	}
}

func TestRegistrySetPausedUnknownServer(t *testing.T) {
	r := NewRegistry()
	if r.SetPaused("ghost", true) {
		t.Fatal("expected SetPaused to report false for an unknown server")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleMaster})
	r.Remove("s1")

	if _, ok := r.Get("s1"); ok {
		t.Fatal("expected server to be gone after Remove")
	}
}

func TestRegistrySnapshotReflectsHealthAndLag(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleSlave})
	r.SetHealthy("s1", false)
	r.SetReplicationLag("s1", 12.5)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d candidates, want 1", len(snap))
	}
	if snap[0].Healthy {
		t.Error("expected unhealthy")
	}
	if snap[0].ReplicationLag != 12.5 {
		t.Errorf("lag = %v, want 12.5", snap[0].ReplicationLag)
	}
}

func TestRegistryGlobalConnections(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleSlave})
	r.SetGlobalConnections("s1", 14)

	c, _ := r.Get("s1")
	if c.GlobalConnections != 14 {
		t.Errorf("globalConnections = %d, want 14", c.GlobalConnections)
	}
}

func TestRegistryRouterConnectionsIncDec(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleSlave})

	r.IncRouterConnections("s1")
	r.IncRouterConnections("s1")
	c, _ := r.Get("s1")
	if c.RouterConnections != 2 {
		t.Errorf("routerConnections = %d, want 2", c.RouterConnections)
	}

	r.DecRouterConnections("s1")
	c, _ = r.Get("s1")
	if c.RouterConnections != 1 {
		t.Errorf("routerConnections = %d, want 1", c.RouterConnections)
	}

	r.DecRouterConnections("s1")
	r.DecRouterConnections("s1") // does not go negative
	c, _ = r.Get("s1")
	if c.RouterConnections != 0 {
		t.Errorf("routerConnections = %d, want 0 (floored)", c.RouterConnections)
	}
}

func TestRegistryCurrentOperationsIncDec(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Server{Name: "s1", Address: "10.0.0.1:3306", Role: RoleSlave})

	r.IncCurrentOperations("s1")
	r.IncCurrentOperations("s1")
	r.IncCurrentOperations("s1")
	r.DecCurrentOperations("s1")

	c, _ := r.Get("s1")
	if c.CurrentOperations != 2 {
		t.Errorf("currentOperations = %d, want 2", c.CurrentOperations)
	}
}
