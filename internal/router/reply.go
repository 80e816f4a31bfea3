package router

import (
	"context"
	"log/slog"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// onBackendEvent is the client_reply half of the router session: it
// drives one backend handle's reply-state machine by one packet,
// forwards the reference handle's bytes to the client (rewriting them
// through the masking filter first), and reconciles divergence between
// the reference and any other backend that was sent the same broadcast
// command.
func (s *Session) onBackendEvent(ctx context.Context, ev backendEvent) {
	if ev.err != nil {
		s.onBackendError(ctx, ev.handle, ev.err)
		return
	}

	h := ev.handle
	isReference := h == s.referenceHandle
	priorState := h.State()

	if isReference {
		s.forwardReference(h, ev.pkt, ev.seq)
	}

	switch priorState {
	case backend.StateStart:
		first := byte(0)
		if len(ev.pkt) > 0 {
			first = ev.pkt[0]
		}
		more := false
		if first == wire.OKHeader || first == wire.ErrHeader {
			status := wire.StatusFlags(ev.pkt, first)
			more = status&wire.StatusMoreResultsExists != 0
			if first == wire.OKHeader {
				s.inTransaction = status&wire.StatusInTrans != 0
				if isReference && s.stickyScope == stickyTransaction && !s.inTransaction {
					s.sticky = nil
					s.stickyScope = stickyNone
				}
			}
			s.recordTerminal(h, first)
		}
		if err := h.OnHeader(first, more); err != nil {
			slog.Warn("reply-state error", "backend", h.Server.Name, "err", err)
			h.MarkFatal()
		}
		if first != wire.OKHeader && first != wire.ErrHeader && isReference {
			s.columnDefs = s.columnDefs[:0]
		}

	case backend.StateResultSetColumnDefs:
		if wire.IsEOFPacket(ev.pkt) {
			if err := h.OnColumnDefsEOF(); err != nil {
				h.MarkFatal()
			}
		} else if isReference {
			if cd, err := wire.ParseColumnDefinition41(ev.pkt); err == nil {
				s.columnDefs = append(s.columnDefs, cd)
			}
		}

	case backend.StateResultSetRows:
		// This router never advertises CLIENT_DEPRECATE_EOF toward a
		// backend (see internal/backend.buildHandshakeResponse), so a
		// backend always terminates a result set with a classic EOF
		// packet here, never an OK_Packet that could be confused with a
		// zero-length first column value.
		if wire.IsEOFPacket(ev.pkt) {
			status := wire.StatusFlags(ev.pkt, ev.pkt[0])
			more := status&wire.StatusMoreResultsExists != 0
			s.recordTerminal(h, ev.pkt[0])
			if err := h.OnRowsEOF(more); err != nil {
				h.MarkFatal()
			}
		}
	}

	if h.IsDone() {
		if isReference && s.stickyScope == stickyMultiStmt {
			s.sticky = nil
			s.stickyScope = stickyNone
		}
		s.checkDivergence(h)
		s.deps.Registry.DecCurrentOperations(h.Server.Name)
		s.ackSescmdCompletion(h, isReference)
	}

	if !s.anyBackendBusy() {
		s.drainQueue(ctx)
	}
}

// forwardReference writes the reference handle's packet to the client,
// applying masking to result-set row payloads first. Column-definition
// and header packets pass through unmodified; only row values are ever
// rewritten.
func (s *Session) forwardReference(h *backend.Handle, payload []byte, seq byte) {
	out := payload
	if h.State() == backend.StateResultSetRows && !wire.IsEOFPacket(payload) {
		out = s.maskRow(payload)
	}
	next, err := wire.WritePacket(s.clientConn, out, s.clientSeq)
	if err != nil {
		s.Close()
		return
	}
	s.clientSeq = next
	_ = seq
}

// maskRow rewrites any column values in a text-protocol row packet that a
// loaded masking rule matches. Rewrites never change a value's byte
// length, so the length-encoded framing around each value stays valid
// without re-serializing the packet.
func (s *Session) maskRow(payload []byte) []byte {
	rs := s.deps.Masking
	if rs == nil || len(s.columnDefs) == 0 {
		return payload
	}
	ruleSet := rs.Current()
	if ruleSet.Len() == 0 {
		return payload
	}

	pos := 0
	for i := 0; i < len(s.columnDefs) && pos < len(payload); i++ {
		if pos < len(payload) && payload[pos] == 0xfb { // NULL
			pos++
			continue
		}
		val, next, ok := wire.ReadLenEncString(payload, pos)
		if !ok {
			break
		}
		cd := s.columnDefs[i]
		if rule := ruleSet.Match(s.database, cd.Table, cd.Name, s.account); rule != nil {
			rule.Rewrite(val)
		}
		pos = next
	}
	return payload
}

func (s *Session) recordTerminal(h *backend.Handle, first byte) {
	s.lastStatus[h.Server.Name] = first
}

// ackSescmdCompletion records h's completion against the session-command
// log: every backend's ack advances the log's trim floor for the most
// recently appended session command, and the reference backend's terminal
// reply becomes the value future replays compare against.
func (s *Session) ackSescmdCompletion(h *backend.Handle, isReference bool) {
	if !s.sescmdPending {
		return
	}
	s.sescmdLog.Ack(h.Server.Name, s.sescmdPendingPos)
	if isReference {
		if status, ok := s.lastStatus[h.Server.Name]; ok {
			s.sescmdLog.MarkReplied(s.sescmdPendingPos, status)
		}
	}
}

// checkDivergence compares a non-reference backend's terminal reply byte
// against the reference's. A mismatch means the backends' data diverged
// (or one failed where the other succeeded) — this is logged and the
// backend is marked fatal, never surfaced to the client, since the
// client already received the reference's reply.
func (s *Session) checkDivergence(h *backend.Handle) {
	if s.referenceHandle == nil || h == s.referenceHandle {
		return
	}
	ref, ok := s.lastStatus[s.referenceHandle.Server.Name]
	if !ok {
		return
	}
	got, ok := s.lastStatus[h.Server.Name]
	if !ok || got == ref {
		return
	}
	slog.Warn("backend reply diverged from reference", "backend", h.Server.Name, "reference", s.referenceHandle.Server.Name)
	h.MarkFatal()
}

func (s *Session) onBackendError(ctx context.Context, h *backend.Handle, err error) {
	h.MarkFatal()
	logBackendClose(h.Server.Name, err)
	if h.IsMaster() {
		if s.inTransaction || s.cfg.MasterFailureMode == FailInstantly {
			s.Close()
			return
		}
	}
	if !s.anyBackendBusy() {
		s.drainQueue(ctx)
	}
}

// drainQueue pops and dispatches queued client commands once every
// backend handle is idle again.
func (s *Session) drainQueue(ctx context.Context) {
	for len(s.pending) > 0 && !s.anyBackendBusy() {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.onClientCommand(ctx, next)
	}
}
