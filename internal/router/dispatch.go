package router

import (
	"context"
	"fmt"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/classify"
	"github.com/splitrouter/splitrouter/internal/route"
	"github.com/splitrouter/splitrouter/internal/wire"
)

// onClientCommand is the routing algorithm's entry point: drain into the
// queue if any backend is still mid-reply, classify, update
// load-data/temp-table state, then send to one backend or broadcast to
// all, recording the reference handle whose reply is forwarded to the
// client.
func (s *Session) onClientCommand(ctx context.Context, cmd pendingCommand) {
	if s.loadData == LoadDataActive || s.loadData == LoadDataStart {
		s.handleLoadDataChunk(cmd)
		return
	}

	if s.anyBackendBusy() {
		s.pending = append(s.pending, cmd)
		return
	}

	if err := s.route(ctx, cmd); err != nil {
		s.sendClientErr(wire.ErrCodeConnectionError, "08S01", err.Error())
	}
}

func (s *Session) route(ctx context.Context, cmd pendingCommand) error {
	decision := classify.Classify(cmd.command, cmd.payload, classify.Options{
		UseSQLVariablesInAll: s.cfg.UseSQLVariablesInAll,
		StrictMultiStmt:      s.cfg.StrictMultiStmt,
		InTempTableScope:     s.referencesTempTable,
	})

	if decision.LoadDataLocalInfile {
		s.loadData = LoadDataStart
	}

	if decision.CreatedTempTable != "" {
		s.tempTables[decision.CreatedTempTable] = true
	}
	if decision.DroppedTempTable != "" {
		delete(s.tempTables, decision.DroppedTempTable)
	}

	switch decision.Target {
	case classify.TargetReject:
		s.sendClientErr(wire.ErrCodeNotSupported, "HY000", decision.RejectReason)
		return nil

	case classify.TargetBroadcast:
		return s.dispatchBroadcast(ctx, cmd, decision)

	case classify.TargetMaster:
		return s.dispatchSingle(ctx, cmd, decision, true)

	default: // TargetSlave
		return s.dispatchSingle(ctx, cmd, decision, false)
	}
}

func (s *Session) dispatchBroadcast(ctx context.Context, cmd pendingCommand, decision classify.Decision) error {
	if s.masterLost() {
		return s.applyMasterFailureMode(cmd, decision)
	}

	if decision.SessionModifying {
		s.sescmdPendingPos = s.sescmdLog.Append(cmd.command, append([]byte{cmd.command}, cmd.payload...))
		s.sescmdPending = true
	}

	ref := s.master
	s.referenceHandle = ref

	for _, h := range s.backends {
		if h.IsClosed() || h.IsFatal() {
			continue
		}
		if err := sendCommand(h, cmd); err != nil {
			h.MarkFatal()
			continue
		}
		s.deps.Registry.IncCurrentOperations(h.Server.Name)
	}
	return nil
}

func (s *Session) dispatchSingle(ctx context.Context, cmd pendingCommand, decision classify.Decision, wantMaster bool) error {
	var target *backend.Handle
	var err error

	if s.sticky != nil && !s.sticky.IsClosed() && !s.sticky.IsFatal() {
		target = s.sticky
	} else if wantMaster {
		if s.masterLost() {
			return s.applyMasterFailureMode(cmd, decision)
		}
		target = s.master
	} else {
		target, err = s.pickSlave(ctx)
		if err != nil {
			if s.cfg.MasterAcceptReads && !s.masterLost() {
				target = s.master
			} else {
				s.sendClientErr(wire.ErrCodeConnectionError, "08S01", "no backend available to serve this query")
				return nil
			}
		}
	}

	if decision.Sticky != classify.StickyNone {
		s.sticky = target
		if decision.Sticky == classify.StickyTransaction {
			s.stickyScope = stickyTransaction
		} else {
			s.stickyScope = stickyMultiStmt
		}
	}

	s.referenceHandle = target
	if err := sendCommand(target, cmd); err != nil {
		target.MarkFatal()
		return s.handleBackendFailure(ctx, target, cmd, decision)
	}
	s.deps.Registry.IncCurrentOperations(target.Server.Name)
	return nil
}

func (s *Session) pickSlave(ctx context.Context) (*backend.Handle, error) {
	snap := s.deps.Registry.Snapshot()
	srv, err := route.Select(snap, route.Options{
		Criterion:               s.cfg.SlaveSelectionCriteria,
		MaxSlaveConnections:     s.cfg.MaxSlaveConnections,
		MaxSlaveConnectionsPct:  s.cfg.MaxSlaveConnectionsPct,
		MaxSlaveReplicationLag:  s.cfg.MaxSlaveReplicationLag,
		MasterAcceptReads:       s.cfg.MasterAcceptReads,
		CurrentSlaveConnections: s.slaveConnCount,
		Load:                    s.serverLoad,
	})
	if err != nil {
		return nil, err
	}
	if h, ok := s.backends[srv.Name]; ok {
		return h, nil
	}
	return s.attach(ctx, srv)
}

func sendCommand(h *backend.Handle, cmd pendingCommand) error {
	if err := h.BeginCommand(); err != nil {
		return err
	}
	raw := append([]byte{cmd.command}, cmd.payload...)
	_, err := wire.WritePacket(h.Conn, raw, 0)
	return err
}

// serverLoad reads the live connection/operation counters internal/backend.Registry
// tracks for one named server, for ranking by slave_selection_criteria.
func (s *Session) serverLoad(serverName string) route.Load {
	cand, ok := s.deps.Registry.Get(serverName)
	if !ok {
		return route.Load{}
	}
	return route.Load{
		GlobalConnections: cand.GlobalConnections,
		RouterConnections: cand.RouterConnections,
		CurrentOperations: cand.CurrentOperations,
	}
}

func (s *Session) referencesTempTable(query []byte) bool {
	for name := range s.tempTables {
		if containsIdentifier(query, name) {
			return true
		}
	}
	return false
}

func containsIdentifier(query []byte, name string) bool {
	// a bare substring scan, consistent with the classifier's general
	// no-SQL-parsing stance.
	return len(name) > 0 && indexFold(query, name) >= 0
}

func indexFold(haystack []byte, needle string) int {
	h := toLowerASCII(haystack)
	n := toLowerASCII([]byte(needle))
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func (s *Session) sendClientErr(code uint16, sqlstate, message string) {
	pkt := wire.BuildErr(code, sqlstate, message)
	next, err := wire.WritePacket(s.clientConn, pkt, s.clientSeq)
	if err == nil {
		s.clientSeq = next
	}
}

func (s *Session) applyMasterFailureMode(cmd pendingCommand, decision classify.Decision) error {
	// A transaction in flight makes the master's state unrecoverable
	// regardless of policy — the client may believe uncommitted writes
	// succeeded, so the session must close rather than silently drop
	// them.
	if s.inTransaction {
		s.Close()
		return fmt.Errorf("master connection lost with a transaction in flight")
	}

	switch s.cfg.MasterFailureMode {
	case FailInstantly:
		s.Close()
		return fmt.Errorf("master connection lost, master_failure_mode=fail_instantly")
	case FailOnWrite:
		s.Close()
		return fmt.Errorf("master connection lost while a write was pending, master_failure_mode=fail_on_write")
	default: // ErrorOnWrite
		s.sendClientErr(wire.ErrCodeConnectionError, "08S01", "master connection lost; write rejected")
		return nil
	}
}

// handleBackendFailure decides what to do when sending a command to (or
// reading a reply from) target fails mid-flight. A read that's both
// idempotent and allowed to retry gets silently rerouted to another
// slave when retry_failed_reads is set; anything else surfaces as a
// synthesized error without closing the session, unless the failed
// target was the master, in which case master-failure policy applies.
func (s *Session) handleBackendFailure(ctx context.Context, target *backend.Handle, cmd pendingCommand, decision classify.Decision) error {
	if target.IsMaster() {
		return s.applyMasterFailureMode(cmd, decision)
	}

	if s.cfg.RetryFailedReads && idempotentRead(decision) {
		delete(s.backends, target.Server.Name)
		if target.Server.Role == backend.RoleSlave {
			s.slaveConnCount--
		}
		s.deps.Registry.DecRouterConnections(target.Server.Name)
		s.sescmdLog.RemoveBackend(target.Server.Name)
		return s.route(ctx, cmd)
	}

	s.sendClientErr(wire.ErrCodeConnectionError, "08S01", "backend connection lost")
	return nil
}

// handleLoadDataChunk forwards raw LOAD DATA LOCAL INFILE payload bytes
// straight to the master without classification — the client is mid
// file-transfer, not sending ordinary commands.
func (s *Session) handleLoadDataChunk(cmd pendingCommand) {
	if s.loadData == LoadDataStart {
		s.loadData = LoadDataActive
	}
	if len(cmd.payload) == 0 {
		s.loadData = LoadDataEnd
	}
	s.bytesSentForLoad += int64(len(cmd.payload))

	if s.masterLost() {
		s.sendClientErr(wire.ErrCodeConnectionError, "08S01", "master connection lost during LOAD DATA")
		s.loadData = LoadDataInactive
		return
	}
	if _, err := wire.WritePacket(s.master.Conn, cmd.payload, cmd.seq); err != nil {
		s.master.MarkFatal()
	}
	if s.loadData == LoadDataEnd {
		s.loadData = LoadDataInactive
	}
}
