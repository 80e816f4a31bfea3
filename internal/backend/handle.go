// Package backend models a single physical MySQL server and the
// connection handle a router session holds open to it: its reply-state
// machine, health bits, and role.
package backend

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Role is a backend server's replication role.
type Role int

const (
	RoleSlave Role = iota
	RoleMaster
	// RoleJoined is a Galera-style "joined" node. Per design, it is
	// treated identically to RoleMaster everywhere a role comparison
	// happens — see IsMasterLike.
	RoleJoined
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleJoined:
		return "joined"
	default:
		return "slave"
	}
}

// IsMasterLike reports whether r should be treated as a master for
// routing and failover purposes. BE_JOINED is deliberately equivalent to
// BE_MASTER: both accept writes and both trigger master-loss handling
// when they go down.
func IsMasterLike(r Role) bool {
	return r == RoleMaster || r == RoleJoined
}

// Server describes a physical backend's identity and static
// configuration, shared by every Handle dialed against it.
type Server struct {
	Name    string
	Address string
	Role    Role

	// Replication lag is not stored here: the health package records it
	// in Registry, and route selection reads it from a Candidate
	// snapshot (see internal/route).
}

// ReplyState is the Backend handle's reply-state machine.
type ReplyState int

const (
	// StateDone: no outstanding result, no reply owed. The invariant
	// "reply-state == Done iff outstanding == 0" must hold whenever the
	// handle isn't mid-mutation.
	StateDone ReplyState = iota
	// StateStart: a command was sent, no header byte read back yet.
	StateStart
	// StateResultSetColumnDefs: reading column-definition packets,
	// waiting for the EOF that ends them.
	StateResultSetColumnDefs
	// StateResultSetRows: reading row packets, waiting for the
	// terminating EOF/OK.
	StateResultSetRows
)

func (s ReplyState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateResultSetColumnDefs:
		return "result_set_coldef"
	case StateResultSetRows:
		return "result_set_rows"
	default:
		return "done"
	}
}

// Handle is one router session's connection to one physical backend. It
// owns the reply-state machine and the health/liveness bits the route
// selector and failover logic read.
//
// A Handle is owned exclusively by the router.Session that opened it —
// there is no shared-pool reuse mid-session; a Handle holds a
// non-owning back-reference to its Server, never the reverse, to avoid
// a retain cycle.
type Handle struct {
	Server *Server
	Conn   net.Conn

	state ReplyState

	// outstanding is the number of result sets still owed a terminal
	// reply. It is the other half of the reply-state invariant.
	outstanding int

	inUse    bool
	closed   atomic.Bool
	fatal    atomic.Bool
	healthy  atomic.Bool
	// IsMaster caches Server.Role at attach time since Server.Role can
	// theoretically change underneath (role flips are driven externally
	// — an external monitor owns topology, not this handle).
	isMaster bool
}

// NewHandle wraps an established connection to srv.
func NewHandle(srv *Server, conn net.Conn) *Handle {
	h := &Handle{
		Server:   srv,
		Conn:     conn,
		state:    StateDone,
		isMaster: IsMasterLike(srv.Role),
	}
	h.healthy.Store(true)
	return h
}

// State reports the current reply-state.
func (h *Handle) State() ReplyState { return h.state }

// Outstanding reports the number of result sets still owed a reply.
func (h *Handle) Outstanding() int { return h.outstanding }

// BeginCommand transitions a Done handle to Start: a new command has just
// been written to this backend and a reply is now owed.
func (h *Handle) BeginCommand() error {
	if h.state != StateDone {
		return fmt.Errorf("backend %s: cannot begin command from state %s", h.Server.Name, h.state)
	}
	h.state = StateStart
	h.outstanding++
	return nil
}

// OnHeader transitions from Start given the first byte of the reply: OK
// or ERR ends the command (possibly looping back to Start if more result
// sets follow), anything else is a column-count header starting a result
// set.
func (h *Handle) OnHeader(firstByte byte, moreResultsFollow bool) error {
	if h.state != StateStart {
		return fmt.Errorf("backend %s: unexpected header in state %s", h.Server.Name, h.state)
	}
	switch {
	case firstByte == 0x00 || firstByte == 0xff:
		return h.completeOne(moreResultsFollow)
	default:
		h.state = StateResultSetColumnDefs
		return nil
	}
}

// OnColumnDefsEOF transitions from reading column definitions to reading
// rows once the terminating EOF is seen.
func (h *Handle) OnColumnDefsEOF() error {
	if h.state != StateResultSetColumnDefs {
		return fmt.Errorf("backend %s: unexpected coldef EOF in state %s", h.Server.Name, h.state)
	}
	h.state = StateResultSetRows
	return nil
}

// OnRowsEOF transitions out of reading rows once the terminating EOF/OK
// is seen. moreResultsFollow loops back to Start for the next result set
// in a multi-result response; otherwise the command completes.
func (h *Handle) OnRowsEOF(moreResultsFollow bool) error {
	if h.state != StateResultSetRows {
		return fmt.Errorf("backend %s: unexpected rows EOF in state %s", h.Server.Name, h.state)
	}
	return h.completeOne(moreResultsFollow)
}

func (h *Handle) completeOne(moreResultsFollow bool) error {
	if moreResultsFollow {
		h.state = StateStart
		return nil
	}
	h.outstanding--
	if h.outstanding < 0 {
		h.outstanding = 0
	}
	if h.outstanding == 0 {
		h.state = StateDone
	}
	return nil
}

// IsDone reports whether the handle is idle and available for a new
// command (the invariant state==Done, outstanding==0 holds whenever this
// is true).
func (h *Handle) IsDone() bool { return h.state == StateDone && h.outstanding == 0 }

// InUse / SetInUse track whether the handle is the target of a
// still-pending client command, distinct from the wire-level reply
// state; used by the router session to decide draining order.
func (h *Handle) InUse() bool     { return h.inUse }
func (h *Handle) SetInUse(v bool) { h.inUse = v }

// MarkFatal flags the handle as permanently broken — a diverging
// reply, an unrecoverable I/O error, or a lost connection. A fatal
// backend is logged, not surfaced to the client, as long as another
// backend can still serve the session.
func (h *Handle) MarkFatal() {
	h.fatal.Store(true)
	h.healthy.Store(false)
}

func (h *Handle) IsFatal() bool   { return h.fatal.Load() }
func (h *Handle) IsHealthy() bool { return h.healthy.Load() && !h.closed.Load() }
func (h *Handle) IsMaster() bool  { return h.isMaster }

// Close closes the underlying connection. Idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.healthy.Store(false)
	return h.Conn.Close()
}

func (h *Handle) IsClosed() bool { return h.closed.Load() }
