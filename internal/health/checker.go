// Package health periodically probes every backend server and keeps the
// router's registry of candidate servers (internal/backend.Registry)
// up to date with liveness and replication-lag readings.
package health

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/metrics"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// Checker performs periodic health checks on backend servers.
type Checker struct {
	registry *backend.Registry
	metrics  *metrics.Collector
	creds    backend.Credentials

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	mu       sync.RWMutex
	failures map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config carries the tunables a checker needs.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	ConnectionTimeout time.Duration
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(reg *backend.Registry, m *metrics.Collector, creds backend.Credentials, cfg Config) *Checker {
	return &Checker{
		registry:          reg,
		metrics:           m,
		creds:             creds,
		interval:          cfg.Interval,
		failureThreshold:  cfg.FailureThreshold,
		connectionTimeout: cfg.ConnectionTimeout,
		failures:          make(map[string]int),
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	candidates := c.registry.Snapshot()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, cand := range candidates {
		cand := cand
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy, lag, globalConns := c.probe(cand.Server)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(cand.Server.Name, elapsed, healthy)
			}
			c.updateStatus(cand.Server, healthy, lag, globalConns)
		}()
	}
	wg.Wait()
}

// probe dials a backend, authenticates, reads its Threads_connected count
// (used for least_global_connections), and — for slave-role servers —
// queries SHOW SLAVE STATUS for a replication lag reading. A master or
// joined server is considered to have zero lag by definition.
func (c *Checker) probe(srv backend.Server) (healthy bool, lagSeconds float64, globalConnections int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	h, err := backend.Dial(ctx, &srv, c.creds, c.connectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "connection_refused")
		}
		return false, 0, 0
	}
	defer h.Close()

	conns, err := c.queryGlobalConnections(h)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "status_query_error")
		}
		slog.Warn("could not read Threads_connected", "server", srv.Name, "err", err)
	}

	if srv.Role != backend.RoleSlave {
		return true, 0, conns
	}

	lag, err := c.queryReplicationLag(h)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "replication_status_error")
		}
		slog.Warn("could not read replication lag", "server", srv.Name, "err", err)
		return true, 0, conns
	}
	return true, lag, conns
}

// queryReplicationLag sends SHOW SLAVE STATUS and scans the resulting row
// for the Seconds_Behind_Master column.
func (c *Checker) queryReplicationLag(h *backend.Handle) (float64, error) {
	if err := h.BeginCommand(); err != nil {
		return 0, err
	}
	query := append([]byte{wire.ComQuery}, []byte("SHOW SLAVE STATUS")...)
	if _, err := wire.WritePacket(h.Conn, query, 0); err != nil {
		return 0, err
	}

	var cols []wire.ColumnDefinition41
	lagIdx := -1
	lag := 0.0

	for {
		pkt, err := wire.ReadPacket(h.Conn)
		if err != nil {
			return 0, err
		}
		payload := pkt.Payload

		switch h.State() {
		case backend.StateStart:
			if len(payload) == 0 {
				return 0, nil
			}
			first := payload[0]
			if first == wire.OKHeader || first == wire.ErrHeader {
				// no rows: not a replica, or status unavailable.
				more := wire.StatusFlags(payload, first)&wire.StatusMoreResultsExists != 0
				h.OnHeader(first, more)
				return 0, nil
			}
			h.OnHeader(first, false)

		case backend.StateResultSetColumnDefs:
			if wire.IsEOFPacket(payload) {
				h.OnColumnDefsEOF()
			} else if cd, err := wire.ParseColumnDefinition41(payload); err == nil {
				if cd.Name == "Seconds_Behind_Master" {
					lagIdx = len(cols)
				}
				cols = append(cols, cd)
			}

		case backend.StateResultSetRows:
			if wire.IsEOFPacket(payload) {
				more := wire.StatusFlags(payload, payload[0])&wire.StatusMoreResultsExists != 0
				h.OnRowsEOF(more)
				if h.IsDone() {
					return lag, nil
				}
				continue
			}
			if lagIdx >= 0 {
				if v, ok := nthColumnValue(payload, lagIdx); ok {
					if f, err := strconv.ParseFloat(string(v), 64); err == nil {
						lag = f
					}
				}
			}
		}

		if h.IsDone() {
			return lag, nil
		}
	}
}

// queryGlobalConnections sends SHOW STATUS LIKE 'Threads_connected' and
// reads the single resulting row's Value column.
func (c *Checker) queryGlobalConnections(h *backend.Handle) (int, error) {
	if err := h.BeginCommand(); err != nil {
		return 0, err
	}
	query := append([]byte{wire.ComQuery}, []byte("SHOW STATUS LIKE 'Threads_connected'")...)
	if _, err := wire.WritePacket(h.Conn, query, 0); err != nil {
		return 0, err
	}

	var cols []wire.ColumnDefinition41
	valueIdx := -1
	conns := 0

	for {
		pkt, err := wire.ReadPacket(h.Conn)
		if err != nil {
			return 0, err
		}
		payload := pkt.Payload

		switch h.State() {
		case backend.StateStart:
			if len(payload) == 0 {
				return 0, nil
			}
			first := payload[0]
			if first == wire.OKHeader || first == wire.ErrHeader {
				more := wire.StatusFlags(payload, first)&wire.StatusMoreResultsExists != 0
				h.OnHeader(first, more)
				return 0, nil
			}
			h.OnHeader(first, false)

		case backend.StateResultSetColumnDefs:
			if wire.IsEOFPacket(payload) {
				h.OnColumnDefsEOF()
			} else if cd, err := wire.ParseColumnDefinition41(payload); err == nil {
				if cd.Name == "Value" {
					valueIdx = len(cols)
				}
				cols = append(cols, cd)
			}

		case backend.StateResultSetRows:
			if wire.IsEOFPacket(payload) {
				more := wire.StatusFlags(payload, payload[0])&wire.StatusMoreResultsExists != 0
				h.OnRowsEOF(more)
				if h.IsDone() {
					return conns, nil
				}
				continue
			}
			if valueIdx >= 0 {
				if v, ok := nthColumnValue(payload, valueIdx); ok {
					if n, err := strconv.Atoi(string(v)); err == nil {
						conns = n
					}
				}
			}
		}

		if h.IsDone() {
			return conns, nil
		}
	}
}

func nthColumnValue(row []byte, idx int) ([]byte, bool) {
	pos := 0
	for i := 0; pos < len(row); i++ {
		if row[pos] == 0xfb {
			pos++
			if i == idx {
				return nil, false
			}
			continue
		}
		val, next, ok := wire.ReadLenEncString(row, pos)
		if !ok {
			return nil, false
		}
		if i == idx {
			return val, true
		}
		pos = next
	}
	return nil, false
}

func (c *Checker) updateStatus(srv backend.Server, healthy bool, lag float64, globalConnections int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if healthy {
		if c.failures[srv.Name] > 0 {
			slog.Info("server recovered", "server", srv.Name, "failures", c.failures[srv.Name])
		}
		c.failures[srv.Name] = 0
		c.registry.SetHealthy(srv.Name, true)
		c.registry.SetReplicationLag(srv.Name, lag)
		c.registry.SetGlobalConnections(srv.Name, globalConnections)
		return
	}

	c.failures[srv.Name]++
	if c.failures[srv.Name] >= c.failureThreshold {
		slog.Warn("server marked unhealthy", "server", srv.Name, "failures", c.failures[srv.Name])
		c.registry.SetHealthy(srv.Name, false)
	}
}
