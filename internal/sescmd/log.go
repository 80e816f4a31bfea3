// Package sescmd implements the session-command log: the ordered record
// of session-modifying statements (SET, USE, prepared-statement setup,
// charset changes) that must be replayed against any backend a router
// session attaches after those statements already ran.
package sescmd

import (
	"fmt"
	"sync"
)

// Entry is a single session command, position-stamped at the moment it
// was sent to the reference backend.
type Entry struct {
	Position uint64
	Command  byte
	Raw      []byte

	// Replied/ReplyHeader carry the reference backend's terminal reply
	// (the OK/ERR header byte) for this position, once known. A backend
	// replaying this entry later compares its own terminal reply against
	// ReplyHeader to detect session-state divergence.
	Replied     bool
	ReplyHeader byte
}

// Log is a position-ordered, optionally bounded history of session
// commands. It is safe for concurrent use, though in practice it is only
// ever touched by the single session goroutine that owns it — the mutex
// exists for cheap safety against accidental misuse, not contention.
type Log struct {
	mu sync.Mutex

	entries []Entry
	nextPos uint64

	maxHistory uint32 // 0 means unbounded
	disabled   bool   // disable_sescmd_history: retains no entries, blocks new attaches once a command ran

	// acked tracks, per live backend name, the highest log position that
	// backend has applied (either by running the command directly as a
	// broadcast target, or by replaying it on attach). trimLocked only
	// drops entries below the lowest value in this map, never one at or
	// above it, so a backend that hasn't caught up yet never loses the
	// history it still needs.
	acked map[string]uint64
}

// New creates a Log. maxHistory caps retained entries (0 = unbounded);
// disableHistory mirrors disable_sescmd_history — once set, the log stays
// empty and NewBackendBlocked reports true from the first Append on.
func New(maxHistory uint32, disableHistory bool) *Log {
	return &Log{maxHistory: maxHistory, disabled: disableHistory, acked: make(map[string]uint64)}
}

// Append records a new session command and returns its assigned position.
// If history is disabled the entry is still assigned a position (which is
// what makes NewBackendBlocked report true) but is not retained.
func (l *Log) Append(command byte, raw []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.nextPos
	l.nextPos++

	if l.disabled {
		return pos
	}

	l.entries = append(l.entries, Entry{Position: pos, Command: command, Raw: raw})
	l.trimLocked()
	return pos
}

// trimLocked drops the oldest entries once len(entries) exceeds
// maxHistory, but never past ackFloorLocked — an entry no live backend
// has acknowledged yet must stay available for replay.
func (l *Log) trimLocked() {
	if l.maxHistory == 0 {
		return
	}
	floor := l.ackFloorLocked()
	for uint32(len(l.entries)) > l.maxHistory && len(l.entries) > 0 && l.entries[0].Position < floor {
		l.entries = l.entries[1:]
	}
}

// ackFloorLocked is the lowest acknowledged position across every
// tracked backend — entries below it have been applied everywhere and
// are safe to drop. A backend with no recorded ack counts as having
// acknowledged nothing, which blocks trimming until it catches up.
func (l *Log) ackFloorLocked() uint64 {
	floor := uint64(0)
	first := true
	for _, pos := range l.acked {
		if first || pos < floor {
			floor = pos
			first = false
		}
	}
	return floor
}

// Ack records that backend has applied every session command up to and
// including pos, either by running it directly as a broadcast target or
// by replaying it on attach.
func (l *Log) Ack(backend string, pos uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos >= l.acked[backend] {
		l.acked[backend] = pos
	}
	l.trimLocked()
}

// RemoveBackend forgets a backend's ack position, e.g. once it has been
// closed and dropped from the session — a dead backend must not keep
// pinning the ack floor forever.
func (l *Log) RemoveBackend(backend string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.acked, backend)
}

// MarkReplied records the reference backend's terminal reply header for
// the session command at pos, so a backend replaying that command later
// can detect if its own reply diverges.
func (l *Log) MarkReplied(pos uint64, header byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].Position == pos {
			l.entries[i].Replied = true
			l.entries[i].ReplyHeader = header
			return
		}
	}
}

// NewBackendBlocked reports whether a freshly attached backend cannot
// safely join the session because history has been disabled and some
// session-modifying state may already be unrecoverable.
func (l *Log) NewBackendBlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled && l.nextPos > 0
}

// ReplayEntries returns a copy of the entries that must be sent, in
// position order, to a backend attaching to the session for the first
// time. Returns an error if history has been disabled and is therefore
// unavailable for replay.
func (l *Log) ReplayEntries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.NewBackendBlockedLocked() {
		return nil, fmt.Errorf("sescmd replay unavailable: history disabled after %d commands", l.nextPos)
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// NewBackendBlockedLocked is the lock-held form of NewBackendBlocked, for
// internal callers that already hold l.mu.
func (l *Log) NewBackendBlockedLocked() bool {
	return l.disabled && l.nextPos > 0
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// NextPosition reports the position that will be assigned to the next
// Append call, without consuming it.
func (l *Log) NextPosition() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextPos
}
