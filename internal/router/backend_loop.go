package router

import (
	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// readBackendLoop pumps packets off h's connection and into the session's
// event channel. It performs no protocol interpretation itself — that
// stays in the single owning goroutine (onBackendEvent) — it only
// preserves per-connection packet order, which the channel's FIFO
// semantics carry through to the owner.
func (s *Session) readBackendLoop(h *backend.Handle) {
	for {
		pkt, err := wire.ReadPacket(h.Conn)
		if err != nil {
			s.events <- backendEvent{handle: h, err: err}
			return
		}
		s.events <- backendEvent{handle: h, pkt: pkt.Payload, seq: pkt.Seq}
		if h.IsClosed() {
			return
		}
	}
}
