package router

import (
	"context"
	"fmt"
	"net"

	"github.com/splitrouter/splitrouter/internal/wire"
)

type clientMsg struct {
	cmd pendingCommand
	err error
}

// Run drives one client connection end to end: it performs the client-
// facing MySQL handshake, opens the session's master backend, then
// processes client commands and backend replies until the client
// disconnects or the session is closed by failover policy.
func (s *Session) Run(ctx context.Context, conn net.Conn, serverVersion string) error {
	s.clientConn = conn

	if err := s.handshake(conn, serverVersion); err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}

	if err := s.Open(ctx); err != nil {
		s.sendClientErr(wire.ErrCodeConnectionError, "08004", "no backend available")
		return err
	}
	defer s.Close()

	msgs := make(chan clientMsg, 1)
	go s.readClientLoop(conn, msgs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m := <-msgs:
			if m.err != nil {
				return nil // client disconnected
			}
			if m.cmd.command == wire.ComQuit {
				return nil
			}
			s.onClientCommand(ctx, m.cmd)
			if s.closed {
				return nil
			}

		case ev := <-s.events:
			s.onBackendEvent(ctx, ev)
			if s.closed {
				return nil
			}
		}
	}
}

func (s *Session) readClientLoop(conn net.Conn, out chan<- clientMsg) {
	for {
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			out <- clientMsg{err: err}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		out <- clientMsg{cmd: pendingCommand{
			seq:     pkt.Seq,
			command: pkt.Payload[0],
			payload: pkt.Payload[1:],
		}}
	}
}

// handshake sends a synthetic Handshake v10 greeting and parses the
// client's HandshakeResponse41 to learn the account and initial
// database. It does not verify the client's password, and neither does
// any backend: backend connections authenticate with the router's own
// configured credentials, not the client's.
func (s *Session) handshake(conn net.Conn, serverVersion string) error {
	greeting, err := wire.NewHandshakeV10(serverVersion, 1)
	if err != nil {
		return err
	}
	if _, err := wire.WritePacket(conn, greeting.Build(), 0); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	resp, err := wire.ParseHandshakeResponse41(pkt.Payload)
	if err != nil {
		return err
	}

	s.account.User = resp.Username
	if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		s.account.Host = host
	}
	if s.database == "" {
		s.database = resp.Database
	}
	s.clientSeq = pkt.Seq + 1

	if _, err := wire.WritePacket(conn, wire.BuildOK(0, 0, wire.StatusAutocommit, 0), s.clientSeq); err != nil {
		return fmt.Errorf("sending handshake OK: %w", err)
	}
	s.clientSeq++
	return nil
}
