// Package route implements the route selector: given a snapshot of
// backend candidates and a session's configuration, it picks which
// backend a single-target query should go to.
package route

import (
	"errors"
	"fmt"
	"sort"

	"github.com/splitrouter/splitrouter/internal/backend"
)

// Criterion mirrors slave_selection_criteria.
type Criterion int

const (
	LeastGlobalConnections Criterion = iota
	LeastRouterConnections
	LeastBehindMaster
	LeastCurrentOperations
)

func (c Criterion) String() string {
	switch c {
	case LeastRouterConnections:
		return "least_router_connections"
	case LeastBehindMaster:
		return "least_behind_master"
	case LeastCurrentOperations:
		return "least_current_operations"
	default:
		return "least_global_connections"
	}
}

// ParseCriterion parses the slave_selection_criteria config value.
func ParseCriterion(s string) (Criterion, error) {
	switch s {
	case "", "least_global_connections":
		return LeastGlobalConnections, nil
	case "least_router_connections":
		return LeastRouterConnections, nil
	case "least_behind_master":
		return LeastBehindMaster, nil
	case "least_current_operations":
		return LeastCurrentOperations, nil
	default:
		return 0, fmt.Errorf("unknown slave_selection_criteria %q", s)
	}
}

// ErrNoBackend is returned when no eligible backend exists and
// master_accept_reads is false — the caller (router session) maps this to
// a NO_BACKEND error for the client.
var ErrNoBackend = errors.New("route: no eligible backend")

// Load carries the per-server counters a selection criterion ranks by.
// The router session/connection manager is responsible for keeping these
// current; route.Select only reads them.
type Load struct {
	GlobalConnections  int
	RouterConnections  int
	CurrentOperations  int
}

// Options configures one selection call, mirroring the config snapshot
// fields a router session carries.
type Options struct {
	Criterion               Criterion
	MaxSlaveConnections     int     // absolute cap; 0 means unbounded
	MaxSlaveConnectionsPct  float64 // 0 means unset; if set, a cap of that % of total slaves, checked in addition to the absolute cap
	MaxSlaveReplicationLag  float64 // seconds; 0 disables the filter
	MasterAcceptReads       bool
	CurrentSlaveConnections int // how many slave backends this session already holds, checked against the cap

	// Load resolves per-candidate counters for ranking. Keyed by
	// backend.Server.Name.
	Load func(serverName string) Load
}

// Select picks one backend to serve a TargetSlave query, given the
// current registry snapshot: filter by role+health, apply the lag filter
// for LeastBehindMaster, enforce the connection cap, rank by criterion,
// tie-break by server name for determinism, and fall back to master if
// master_accept_reads else ErrNoBackend.
func Select(candidates []backend.Candidate, opts Options) (backend.Server, error) {
	if opts.MaxSlaveConnections > 0 && opts.CurrentSlaveConnections >= opts.MaxSlaveConnections {
		return fallbackToMaster(candidates, opts)
	}
	if opts.MaxSlaveConnectionsPct > 0 {
		totalSlaves := countSlaves(candidates)
		cap := int(float64(totalSlaves) * opts.MaxSlaveConnectionsPct / 100)
		if cap > 0 && opts.CurrentSlaveConnections >= cap {
			return fallbackToMaster(candidates, opts)
		}
	}

	eligible := make([]backend.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Server.Role != backend.RoleSlave || !c.Healthy || c.Paused {
			continue
		}
		if opts.Criterion == LeastBehindMaster && opts.MaxSlaveReplicationLag > 0 && c.ReplicationLag > opts.MaxSlaveReplicationLag {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		return fallbackToMaster(candidates, opts)
	}

	sort.Slice(eligible, func(i, j int) bool {
		li, lj := loadFor(opts, eligible[i].Server.Name), loadFor(opts, eligible[j].Server.Name)
		vi, vj := rank(opts.Criterion, eligible[i], li), rank(opts.Criterion, eligible[j], lj)
		if vi != vj {
			return vi < vj
		}
		return eligible[i].Server.Name < eligible[j].Server.Name
	})

	return eligible[0].Server, nil
}

func loadFor(opts Options, name string) Load {
	if opts.Load == nil {
		return Load{}
	}
	return opts.Load(name)
}

func rank(c Criterion, cand backend.Candidate, l Load) float64 {
	switch c {
	case LeastGlobalConnections:
		return float64(l.GlobalConnections)
	case LeastRouterConnections:
		return float64(l.RouterConnections)
	case LeastBehindMaster:
		return cand.ReplicationLag
	case LeastCurrentOperations:
		return float64(l.CurrentOperations)
	default:
		return float64(l.GlobalConnections)
	}
}

func countSlaves(candidates []backend.Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.Server.Role == backend.RoleSlave {
			n++
		}
	}
	return n
}

func fallbackToMaster(candidates []backend.Candidate, opts Options) (backend.Server, error) {
	if !opts.MasterAcceptReads {
		return backend.Server{}, ErrNoBackend
	}
	for _, c := range candidates {
		if backend.IsMasterLike(c.Server.Role) && c.Healthy && !c.Paused {
			return c.Server, nil
		}
	}
	return backend.Server{}, ErrNoBackend
}

// SelectMaster returns the current healthy master (or Galera joined
// node). Used for TargetMaster routing and for picking the broadcast
// reference reply backend.
func SelectMaster(candidates []backend.Candidate) (backend.Server, error) {
	for _, c := range candidates {
		if backend.IsMasterLike(c.Server.Role) && c.Healthy && !c.Paused {
			return c.Server, nil
		}
	}
	return backend.Server{}, ErrNoBackend
}
