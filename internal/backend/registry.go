package backend

import (
	"sync"
)

// Registry tracks the set of configured backend servers and their
// liveness/role/lag state, as maintained by internal/health. Route
// selection (internal/route) reads a point-in-time snapshot via
// Snapshot, never the live map, so a health-check goroutine updating
// state never blocks a session picking a backend.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*entry
}

type entry struct {
	server         Server
	healthy        bool
	replicationLag float64 // seconds, only meaningful for slaves
	paused         bool    // administratively pulled out of rotation

	globalConnections int // Threads_connected, as observed by internal/health
	routerConnections int // live router-held connections to this server, across all sessions
	currentOperations int // commands sent to this server awaiting a reply, across all sessions
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*entry)}
}

// Upsert adds or replaces the static definition of a server. New servers
// start healthy until a health check says otherwise.
func (r *Registry) Upsert(srv Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[srv.Name]; ok {
		e.server = srv
		return
	}
	r.servers[srv.Name] = &entry{server: srv, healthy: true}
}

// Remove drops a server from the registry (e.g. on config reload).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, name)
}

// SetHealthy updates a server's liveness, as observed by internal/health.
func (r *Registry) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.healthy = healthy
	}
}

// SetReplicationLag records the most recently observed replication lag
// for a slave, in seconds.
func (r *Registry) SetReplicationLag(name string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.replicationLag = seconds
	}
}

// SetGlobalConnections records the most recently observed Threads_connected
// reading for a server, as gathered by internal/health.
func (r *Registry) SetGlobalConnections(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.globalConnections = n
	}
}

// IncRouterConnections/DecRouterConnections track how many live router-held
// connections this process currently holds open to a server, across every
// session — the router_connections half of slave_selection_criteria.
func (r *Registry) IncRouterConnections(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.routerConnections++
	}
}

func (r *Registry) DecRouterConnections(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok && e.routerConnections > 0 {
		e.routerConnections--
	}
}

// IncCurrentOperations/DecCurrentOperations track commands sent to a server
// that are still awaiting a reply, across every session — the
// least_current_operations selection criterion.
func (r *Registry) IncCurrentOperations(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.currentOperations++
	}
}

func (r *Registry) DecCurrentOperations(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok && e.currentOperations > 0 {
		e.currentOperations--
	}
}

// Candidate is a point-in-time, immutable view of one server's state —
// what internal/route ranks and filters over.
type Candidate struct {
	Server            Server
	Healthy           bool
	ReplicationLag    float64
	Paused            bool
	GlobalConnections int
	RouterConnections int
	CurrentOperations int
}

func candidateOf(e *entry) Candidate {
	return Candidate{
		Server:            e.server,
		Healthy:           e.healthy,
		ReplicationLag:    e.replicationLag,
		Paused:            e.paused,
		GlobalConnections: e.globalConnections,
		RouterConnections: e.routerConnections,
		CurrentOperations: e.currentOperations,
	}
}

// Snapshot returns a candidate list for every registered server.
func (r *Registry) Snapshot() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, candidateOf(e))
	}
	return out
}

// Get returns the current Candidate view of a single named server.
func (r *Registry) Get(name string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[name]
	if !ok {
		return Candidate{}, false
	}
	return candidateOf(e), true
}

// SetPaused administratively pulls a server out of (or back into)
// selection rotation, independent of its observed health.
func (r *Registry) SetPaused(name string, paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[name]
	if !ok {
		return false
	}
	e.paused = paused
	return true
}
