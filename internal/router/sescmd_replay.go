package router

import (
	"fmt"
	"log/slog"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/sescmd"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// replaySescmd sends one logged session command to a freshly attached
// backend and synchronously consumes its reply. This happens before the
// handle is handed to the session's concurrent read loop, so a direct
// blocking round-trip here is safe and simpler than routing it through
// the event channel.
//
// If the reference backend's terminal reply for this position is already
// known (e.Replied), the freshly attached backend's own terminal header is
// compared against it: a mismatch means this backend's session state has
// diverged from the rest of the session (e.g. a USE against a database
// that exists on one backend but not another), and the backend is marked
// fatal rather than silently left out of sync.
func replaySescmd(h *backend.Handle, e sescmd.Entry) error {
	if err := h.BeginCommand(); err != nil {
		return err
	}
	if _, err := wire.WritePacket(h.Conn, e.Raw, 0); err != nil {
		return fmt.Errorf("sending replayed command: %w", err)
	}

	var header byte
	for {
		pkt, err := wire.ReadPacket(h.Conn)
		if err != nil {
			return fmt.Errorf("reading replay reply: %w", err)
		}
		done, hdr, err := driveReplyState(h, pkt.Payload)
		if err != nil {
			return err
		}
		if hdr != 0 {
			header = hdr
		}
		if done {
			break
		}
	}

	if e.Replied && header != e.ReplyHeader {
		h.MarkFatal()
		return fmt.Errorf("backend %s diverged replaying session command at position %d: got reply header 0x%02x, reference was 0x%02x",
			h.Server.Name, e.Position, header, e.ReplyHeader)
	}
	if !e.Replied {
		slog.Debug("sescmd replay: no reference reply recorded yet", "backend", h.Server.Name, "position", e.Position)
	}
	return nil
}

// driveReplyState advances h's reply-state machine by one packet and
// reports whether the command has now fully completed (outstanding == 0),
// along with the terminal header byte observed at StateStart (0 if this
// packet wasn't a header).
func driveReplyState(h *backend.Handle, payload []byte) (done bool, header byte, err error) {
	switch h.State() {
	case backend.StateStart:
		if len(payload) == 0 {
			return false, 0, fmt.Errorf("empty packet while awaiting command header")
		}
		first := payload[0]
		header = first
		switch first {
		case wire.OKHeader, wire.ErrHeader:
			more := wire.StatusFlags(payload, first)&wire.StatusMoreResultsExists != 0
			if err := h.OnHeader(first, more); err != nil {
				return false, header, err
			}
		default:
			if err := h.OnHeader(first, false); err != nil {
				return false, header, err
			}
		}
	case backend.StateResultSetColumnDefs:
		if wire.IsEOFPacket(payload) {
			if err := h.OnColumnDefsEOF(); err != nil {
				return false, 0, err
			}
		}
		// column-definition packets themselves don't drive a transition
	case backend.StateResultSetRows:
		if wire.IsEOFPacket(payload) {
			more := wire.StatusFlags(payload, payload[0])&wire.StatusMoreResultsExists != 0
			if err := h.OnRowsEOF(more); err != nil {
				return false, 0, err
			}
		}
		// row packets themselves don't drive a transition
	}
	return h.IsDone(), header, nil
}
