package router

import (
	"sync"
	"time"

	"github.com/splitrouter/splitrouter/internal/masking"
)

// SessionInfo is a point-in-time, read-only view of one open session, for
// the admin surface's sessions collection.
type SessionInfo struct {
	ID       uint64
	Account  masking.Account
	Database string
	OpenedAt time.Time
	Backends []string
}

// SessionRegistry tracks every currently open router session. A session
// registers itself on Open and deregisters on Close; nothing here is on
// the hot path of routing a command.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint64]*SessionInfo
	next     uint64
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint64]*SessionInfo)}
}

// Register adds a new session and returns its assigned id.
func (r *SessionRegistry) Register(account masking.Account, database string, openedAt time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.sessions[id] = &SessionInfo{ID: id, Account: account, Database: database, OpenedAt: openedAt}
	return id
}

// Unregister removes a session, e.g. once its connection closes.
func (r *SessionRegistry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// SetBackends records the backend server names a session currently holds
// open, for admin visibility.
func (r *SessionRegistry) SetBackends(id uint64, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Backends = names
	}
}

// Snapshot returns a copy of every currently registered session.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Get returns one session's info by id.
func (r *SessionRegistry) Get(id uint64) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}
