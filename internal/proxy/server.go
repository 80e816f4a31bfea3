// Package proxy accepts client TCP connections and hands each one to a
// fresh router.Session, which drives the MySQL protocol end to end.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/splitrouter/splitrouter/internal/config"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/router"
)

// ServerVersion is reported to clients in the synthetic handshake
// greeting. It does not need to match any backend's real version string.
const ServerVersion = "8.0.34-splitrouter"

// Server is the MySQL-facing TCP listener. Every accepted connection
// gets its own router.Session built from the current cfg/deps; the
// listener itself holds no per-session state. cfg is held behind an
// atomic.Value so a config reload can swap in a new snapshot for
// subsequently accepted connections without locking the accept loop.
type Server struct {
	cfg       atomic.Value // router.Config
	deps      router.Deps
	tlsConfig *tls.Config

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server that will build router.Session values
// from cfg/deps for each accepted connection.
func NewServer(cfg router.Config, deps router.Deps, lc config.ListenConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}
	s.cfg.Store(cfg)

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "err", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("proxy TLS enabled", "cert", lc.TLSCert)
		}
	}

	return s
}

// Listen starts accepting MySQL client connections on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	slog.Info("mysql proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	cfg := s.cfg.Load().(router.Config)
	sess := router.NewSession(cfg, s.deps, masking.Account{}, "")
	if err := sess.Run(s.ctx, conn, ServerVersion); err != nil {
		slog.Warn("session ended with error", "remote", conn.RemoteAddr(), "err", err)
	}
}

// SetConfig swaps in a new router.Config snapshot, used by subsequently
// accepted connections. In-flight sessions keep their own frozen
// snapshot, per Session's single-writer design.
func (s *Server) SetConfig(cfg router.Config) {
	s.cfg.Store(cfg)
}

// Stop gracefully shuts down the listener and waits for in-flight
// connections to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("proxy server stopped")
}
