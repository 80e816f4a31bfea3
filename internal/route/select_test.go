package route

import (
	"testing"

	"github.com/splitrouter/splitrouter/internal/backend"
)

func candidates() []backend.Candidate {
	return []backend.Candidate{
		{Server: backend.Server{Name: "master1", Address: "10.0.0.1:3306", Role: backend.RoleMaster}, Healthy: true},
		{Server: backend.Server{Name: "slave1", Address: "10.0.0.2:3306", Role: backend.RoleSlave}, Healthy: true, ReplicationLag: 1},
		{Server: backend.Server{Name: "slave2", Address: "10.0.0.3:3306", Role: backend.RoleSlave}, Healthy: true, ReplicationLag: 30},
	}
}

func TestSelectPicksHealthySlave(t *testing.T) {
	srv, err := Select(candidates(), Options{Criterion: LeastGlobalConnections})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Role != backend.RoleSlave {
		t.Errorf("role = %v, want slave", srv.Role)
	}
}

func TestSelectFiltersOverLaggedSlaves(t *testing.T) {
	srv, err := Select(candidates(), Options{Criterion: LeastBehindMaster, MaxSlaveReplicationLag: 5})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave1" {
		t.Errorf("got %s, want slave1 (slave2 exceeds lag filter)", srv.Name)
	}
}

func TestSelectNoEligibleSlaveFallsBackToMasterWhenAllowed(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "master1", Role: backend.RoleMaster}, Healthy: true},
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: false},
	}
	srv, err := Select(cs, Options{MasterAcceptReads: true})
	if err != nil {
		t.Fatal(err)
	}
	if !backend.IsMasterLike(srv.Role) {
		t.Errorf("expected master fallback, got %v", srv.Role)
	}
}

func TestSelectNoBackendWhenMasterAcceptReadsFalse(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "master1", Role: backend.RoleMaster}, Healthy: true},
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: false},
	}
	_, err := Select(cs, Options{MasterAcceptReads: false})
	if err != ErrNoBackend {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestSelectEnforcesMaxSlaveConnectionsCap(t *testing.T) {
	srv, err := Select(candidates(), Options{
		MaxSlaveConnections:     1,
		CurrentSlaveConnections: 1,
		MasterAcceptReads:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !backend.IsMasterLike(srv.Role) {
		t.Errorf("expected master fallback once slave cap is reached, got %v", srv.Role)
	}
}

func TestSelectJoinedCountsAsMasterFallback(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "joined1", Role: backend.RoleJoined}, Healthy: true},
	}
	srv, err := Select(cs, Options{MasterAcceptReads: true})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "joined1" {
		t.Errorf("got %s, want joined1", srv.Name)
	}
}

func TestSelectTieBreakByName(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "slave-b", Role: backend.RoleSlave}, Healthy: true},
		{Server: backend.Server{Name: "slave-a", Role: backend.RoleSlave}, Healthy: true},
	}
	srv, err := Select(cs, Options{Criterion: LeastGlobalConnections})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave-a" {
		t.Errorf("got %s, want slave-a (alphabetically first tie-break)", srv.Name)
	}
}

func TestSelectSkipsPausedSlave(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: true, Paused: true},
		{Server: backend.Server{Name: "slave2", Role: backend.RoleSlave}, Healthy: true},
	}
	srv, err := Select(cs, Options{Criterion: LeastGlobalConnections})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave2" {
		t.Errorf("got %s, want slave2 (slave1 is paused)", srv.Name)
	}
}

func TestSelectFallsBackToMasterWhenOnlySlaveIsPaused(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "master1", Role: backend.RoleMaster}, Healthy: true},
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: true, Paused: true},
	}
	srv, err := Select(cs, Options{MasterAcceptReads: true})
	if err != nil {
		t.Fatal(err)
	}
	if !backend.IsMasterLike(srv.Role) {
		t.Errorf("expected master fallback, got %v", srv.Role)
	}
}

func TestSelectMasterSkipsPausedMaster(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "master1", Role: backend.RoleMaster}, Healthy: true, Paused: true},
	}
	if _, err := SelectMaster(cs); err != ErrNoBackend {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestSelectRanksByGlobalConnectionsLoad(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: true},
		{Server: backend.Server{Name: "slave2", Role: backend.RoleSlave}, Healthy: true},
	}
	loads := map[string]Load{
		"slave1": {GlobalConnections: 40},
		"slave2": {GlobalConnections: 5},
	}
	srv, err := Select(cs, Options{
		Criterion: LeastGlobalConnections,
		Load:      func(name string) Load { return loads[name] },
	})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave2" {
		t.Errorf("got %s, want slave2 (fewer global connections)", srv.Name)
	}
}

func TestSelectRanksByRouterConnectionsLoad(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: true},
		{Server: backend.Server{Name: "slave2", Role: backend.RoleSlave}, Healthy: true},
	}
	loads := map[string]Load{
		"slave1": {RouterConnections: 3},
		"slave2": {RouterConnections: 1},
	}
	srv, err := Select(cs, Options{
		Criterion: LeastRouterConnections,
		Load:      func(name string) Load { return loads[name] },
	})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave2" {
		t.Errorf("got %s, want slave2 (fewer router connections)", srv.Name)
	}
}

func TestSelectRanksByCurrentOperationsLoad(t *testing.T) {
	cs := []backend.Candidate{
		{Server: backend.Server{Name: "slave1", Role: backend.RoleSlave}, Healthy: true},
		{Server: backend.Server{Name: "slave2", Role: backend.RoleSlave}, Healthy: true},
	}
	loads := map[string]Load{
		"slave1": {CurrentOperations: 9},
		"slave2": {CurrentOperations: 2},
	}
	srv, err := Select(cs, Options{
		Criterion: LeastCurrentOperations,
		Load:      func(name string) Load { return loads[name] },
	})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "slave2" {
		t.Errorf("got %s, want slave2 (fewer current operations)", srv.Name)
	}
}

func TestSelectWithNilLoadDefaultsToZero(t *testing.T) {
	srv, err := Select(candidates(), Options{Criterion: LeastRouterConnections})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Role != backend.RoleSlave {
		t.Errorf("role = %v, want slave", srv.Role)
	}
}

func TestParseCriterionKnownAndUnknownValues(t *testing.T) {
	for _, s := range []string{"", "least_global_connections", "least_router_connections", "least_behind_master", "least_current_operations"} {
		c, err := ParseCriterion(s)
		if err != nil {
			t.Fatalf("ParseCriterion(%q): %v", s, err)
		}
		if c.String() == "" {
			t.Fatalf("ParseCriterion(%q).String() is empty", s)
		}
	}
	if _, err := ParseCriterion("bogus"); err == nil {
		t.Fatal("expected error for unknown criterion")
	}
}
