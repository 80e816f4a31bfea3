package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/metrics"
	"github.com/splitrouter/splitrouter/internal/sescmd"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// Deps bundles a Session's collaborators: the backend registry to select
// from, credentials to authenticate new backend connections with, the
// masking rule loader, and metrics sink. These are shared across every
// session in the process, unlike Config which is frozen per session.
type Deps struct {
	Registry    *backend.Registry
	Credentials backend.Credentials
	DialTimeout time.Duration
	Masking     *masking.Loader
	Metrics     *metrics.Collector
	Sessions    *SessionRegistry
}

type pendingCommand struct {
	seq     byte
	command byte
	payload []byte
}

type backendEvent struct {
	handle *backend.Handle
	pkt    []byte
	seq    byte
	err    error
}

// Session is one client connection's router session: it owns every
// backend handle opened on the client's behalf and is the sole mutator of
// all state below (single-writer — only the Run goroutine calls the
// unexported step methods).
type Session struct {
	cfg  Config
	deps Deps

	account  masking.Account
	database string

	backends map[string]*backend.Handle
	master   *backend.Handle

	sticky      *backend.Handle
	stickyScope stickyScope

	loadData         LoadDataState
	bytesSentForLoad int64

	tempTables map[string]bool

	sescmdLog *sescmd.Log

	referenceHandle *backend.Handle
	pending         []pendingCommand
	inTransaction   bool

	sescmdPending    bool
	sescmdPendingPos uint64

	columnDefs []wire.ColumnDefinition41
	lastStatus map[string]byte // backend name -> last terminal header byte, for divergence checks

	events     chan backendEvent
	closed     bool
	clientSeq  byte
	clientConn net.Conn

	slaveConnCount int

	registryID uint64
}

type stickyScope int

const (
	stickyNone stickyScope = iota
	stickyTransaction
	stickyMultiStmt
)

// NewSession creates a session with a frozen configuration snapshot. The
// caller must call Open before routing any commands.
func NewSession(cfg Config, deps Deps, account masking.Account, database string) *Session {
	return &Session{
		cfg:        cfg,
		deps:       deps,
		account:    account,
		database:   database,
		backends:   make(map[string]*backend.Handle),
		tempTables: make(map[string]bool),
		sescmdLog:  sescmd.New(cfg.MaxSescmdHistory, cfg.DisableSescmdHistory),
		events:     make(chan backendEvent, 64),
		lastStatus: make(map[string]byte),
	}
}

// Open dials the initial master connection. A session cannot do anything
// useful without a master, even if its first command would be a read,
// since master loss detection and sticky-master routing both need it
// available up front.
func (s *Session) Open(ctx context.Context) error {
	snap := s.deps.Registry.Snapshot()
	var masterSrv *backend.Server
	for i := range snap {
		if backend.IsMasterLike(snap[i].Server.Role) && snap[i].Healthy && !snap[i].Paused {
			srv := snap[i].Server
			masterSrv = &srv
			break
		}
	}
	if masterSrv == nil {
		return fmt.Errorf("no healthy master backend available")
	}

	h, err := s.attach(ctx, *masterSrv)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	s.master = h

	if s.deps.Sessions != nil {
		s.registryID = s.deps.Sessions.Register(s.account, s.database, time.Now())
		s.syncRegistryBackends()
	}
	return nil
}

// syncRegistryBackends publishes the current set of attached backend names
// to the session registry, for admin visibility. Best-effort: callers hold
// no lock across this, since SessionRegistry has its own.
func (s *Session) syncRegistryBackends() {
	if s.deps.Sessions == nil {
		return
	}
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	s.deps.Sessions.SetBackends(s.registryID, names)
}

// attach dials a fresh connection to srv and, if the session already has
// session-modifying commands in its log, replays them in position order
// before the handle is usable for ordinary queries — a newly attached
// backend must see session commands in the same order the client issued
// them.
func (s *Session) attach(ctx context.Context, srv backend.Server) (*backend.Handle, error) {
	if s.sescmdLog.NewBackendBlocked() {
		return nil, fmt.Errorf("cannot attach new backend: session-command history is disabled and commands have already run")
	}

	h, err := backend.Dial(ctx, &srv, s.deps.Credentials, s.deps.DialTimeout)
	if err != nil {
		return nil, err
	}

	entries, err := s.sescmdLog.ReplayEntries()
	if err != nil {
		h.Close()
		return nil, err
	}
	// Register srv with the log before replaying anything, so it pins the
	// ack floor (blocks trimming) for every entry it hasn't caught up on
	// yet, even the very first one.
	s.sescmdLog.Ack(srv.Name, 0)
	for _, e := range entries {
		if err := replaySescmd(h, e); err != nil {
			h.Close()
			s.sescmdLog.RemoveBackend(srv.Name)
			return nil, fmt.Errorf("replaying session command at position %d: %w", e.Position, err)
		}
		s.sescmdLog.Ack(srv.Name, e.Position)
	}

	s.backends[srv.Name] = h
	if srv.Role == backend.RoleSlave {
		s.slaveConnCount++
	}
	s.deps.Registry.IncRouterConnections(srv.Name)
	go s.readBackendLoop(h)
	if s.deps.Metrics != nil {
		s.deps.Metrics.BackendAttached(srv.Name, srv.Role.String())
	}
	s.syncRegistryBackends()
	return h, nil
}

// Close tears down every backend handle. Idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, h := range s.backends {
		h.Close()
		s.deps.Registry.DecRouterConnections(h.Server.Name)
		s.sescmdLog.RemoveBackend(h.Server.Name)
	}
	if s.deps.Sessions != nil {
		s.deps.Sessions.Unregister(s.registryID)
	}
}

func (s *Session) anyBackendBusy() bool {
	for _, h := range s.backends {
		if !h.IsDone() {
			return true
		}
	}
	return false
}

func (s *Session) masterLost() bool {
	return s.master == nil || s.master.IsFatal() || s.master.IsClosed()
}

func logBackendClose(name string, err error) {
	if err != nil {
		slog.Warn("backend connection closed with error", "backend", name, "err", err)
	}
}
