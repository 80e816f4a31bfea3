package health

import (
	"net"
	"testing"
	"time"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/wire"
)

var testCfg = Config{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 2 * time.Second,
}

func newTestRegistry(servers ...backend.Server) *backend.Registry {
	reg := backend.NewRegistry()
	for _, s := range servers {
		reg.Upsert(s)
	}
	return reg
}

// fakeMySQLServer accepts one connection, completes a handshake, sends OK,
// then hands the connection to handleQuery for any further interaction.
func fakeMySQLServer(t *testing.T, handleQuery func(net.Conn)) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(3 * time.Second))

		greeting, _ := wire.NewHandshakeV10("8.0.34-fake", 1)
		if _, err := wire.WritePacket(conn, greeting.Build(), 0); err != nil {
			return
		}
		if _, err := wire.ReadPacket(conn); err != nil {
			return
		}
		if _, err := wire.WritePacket(conn, wire.BuildOK(0, 0, wire.StatusAutocommit, 0), 2); err != nil {
			return
		}

		if handleQuery != nil {
			handleQuery(conn)
		}
	}()
	return ln
}

// singleRowResultSet replies to one pending query with a one-column,
// one-row result set, mirroring the shape SHOW STATUS / SHOW SLAVE STATUS
// return.
func singleRowResultSet(conn net.Conn, columnName, value string) {
	seq := byte(1)
	colCountPkt := wire.AppendLenEncInt(nil, 1)
	seq, _ = writeHCPacket(conn, colCountPkt, seq)
	seq, _ = writeHCPacket(conn, buildColumnDef(columnName), seq)
	seq, _ = writeHCPacket(conn, wire.BuildEOF(0, wire.StatusAutocommit), seq)

	row := wire.AppendLenEncString(nil, []byte(value))
	seq, _ = writeHCPacket(conn, row, seq)
	_, _ = writeHCPacket(conn, wire.BuildEOF(0, wire.StatusAutocommit), seq)
}

func readQuery(conn net.Conn) ([]byte, bool) {
	pkt, err := wire.ReadPacket(conn)
	if err != nil || len(pkt.Payload) == 0 || pkt.Payload[0] != wire.ComQuery {
		return nil, false
	}
	return pkt.Payload[1:], true
}

func TestProbeMasterHealthy(t *testing.T) {
	ln := fakeMySQLServer(t, func(conn net.Conn) {
		if _, ok := readQuery(conn); !ok {
			return
		}
		singleRowResultSet(conn, "Value", "3")
	})
	defer ln.Close()

	reg := newTestRegistry(backend.Server{Name: "m1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	c := NewChecker(reg, nil, backend.Credentials{Username: "router"}, testCfg)

	healthy, lag, conns := c.probe(backend.Server{Name: "m1", Address: ln.Addr().String(), Role: backend.RoleMaster})
	if !healthy {
		t.Fatal("expected master probe to report healthy")
	}
	if lag != 0 {
		t.Errorf("expected zero lag for a master, got %v", lag)
	}
	if conns != 3 {
		t.Errorf("expected global connections 3, got %v", conns)
	}
}

func TestProbeUnreachableServerUnhealthy(t *testing.T) {
	reg := newTestRegistry(backend.Server{Name: "gone", Address: "127.0.0.1:1", Role: backend.RoleMaster})
	c := NewChecker(reg, nil, backend.Credentials{Username: "router"}, testCfg)

	healthy, _, _ := c.probe(backend.Server{Name: "gone", Address: "127.0.0.1:1", Role: backend.RoleMaster})
	if healthy {
		t.Error("expected probe against an unreachable address to report unhealthy")
	}
}

func TestProbeSlaveReadsReplicationLag(t *testing.T) {
	ln := fakeMySQLServer(t, func(conn net.Conn) {
		if _, ok := readQuery(conn); !ok {
			return
		}
		singleRowResultSet(conn, "Value", "5")

		if _, ok := readQuery(conn); !ok {
			return
		}
		singleRowResultSet(conn, "Seconds_Behind_Master", "42")
	})
	defer ln.Close()

	srv := backend.Server{Name: "s1", Address: ln.Addr().String(), Role: backend.RoleSlave}
	reg := newTestRegistry(srv)
	c := NewChecker(reg, nil, backend.Credentials{Username: "router"}, testCfg)

	healthy, lag, conns := c.probe(srv)
	if !healthy {
		t.Fatal("expected slave probe to report healthy")
	}
	if lag != 42 {
		t.Errorf("expected replication lag 42, got %v", lag)
	}
	if conns != 5 {
		t.Errorf("expected global connections 5, got %v", conns)
	}
}

func TestUpdateStatusMarksUnhealthyAfterThreshold(t *testing.T) {
	srv := backend.Server{Name: "s1", Address: "x", Role: backend.RoleSlave}
	reg := newTestRegistry(srv)
	c := NewChecker(reg, nil, backend.Credentials{}, testCfg)

	c.updateStatus(srv, false, 0, 0)
	c.updateStatus(srv, false, 0, 0)
	if cand, ok := reg.Get("s1"); !ok || !cand.Healthy {
		t.Error("should still be healthy before hitting the failure threshold")
	}

	c.updateStatus(srv, false, 0, 0)
	cand, ok := reg.Get("s1")
	if !ok || cand.Healthy {
		t.Error("expected server to be marked unhealthy after 3 consecutive failures")
	}
}

func TestUpdateStatusRecovery(t *testing.T) {
	srv := backend.Server{Name: "s1", Address: "x", Role: backend.RoleSlave}
	reg := newTestRegistry(srv)
	c := NewChecker(reg, nil, backend.Credentials{}, testCfg)

	c.updateStatus(srv, false, 0, 0)
	c.updateStatus(srv, false, 0, 0)
	c.updateStatus(srv, false, 0, 0)
	c.updateStatus(srv, true, 0.5, 7)

	cand, ok := reg.Get("s1")
	if !ok || !cand.Healthy {
		t.Error("expected server to recover to healthy")
	}
	if cand.ReplicationLag != 0.5 {
		t.Errorf("expected replication lag 0.5, got %v", cand.ReplicationLag)
	}
	if cand.GlobalConnections != 7 {
		t.Errorf("expected global connections 7, got %v", cand.GlobalConnections)
	}
}

func TestDoubleStop(t *testing.T) {
	reg := newTestRegistry()
	c := NewChecker(reg, nil, backend.Credentials{}, testCfg)
	c.Start()
	c.Stop()
	c.Stop()
}

func writeHCPacket(conn net.Conn, payload []byte, seq byte) (byte, error) {
	return wire.WritePacket(conn, payload, seq)
}

func buildColumnDef(name string) []byte {
	var buf []byte
	buf = wire.AppendLenEncString(buf, []byte("def"))
	buf = wire.AppendLenEncString(buf, []byte(""))
	buf = wire.AppendLenEncString(buf, []byte(""))
	buf = wire.AppendLenEncString(buf, []byte(""))
	buf = wire.AppendLenEncString(buf, []byte(name))
	buf = wire.AppendLenEncString(buf, []byte(name))
	buf = wire.AppendLenEncInt(buf, 0x0c)
	buf = append(buf, 33, 0)
	buf = append(buf, 255, 0, 0, 0)
	buf = append(buf, 0xfd)
	buf = append(buf, 0, 0)
	buf = append(buf, 0)
	buf = append(buf, 0, 0)
	return buf
}
