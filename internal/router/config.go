// Package router implements the router session: the component that owns
// a client's backend handles, classifies and routes each command,
// multiplexes backend replies back into one client stream, and enforces
// failover policy.
package router

import (
	"fmt"

	"github.com/splitrouter/splitrouter/internal/classify"
	"github.com/splitrouter/splitrouter/internal/route"
)

// MasterFailureMode mirrors master_failure_mode.
type MasterFailureMode int

const (
	// FailInstantly closes the session the instant the master is lost.
	FailInstantly MasterFailureMode = iota
	// FailOnWrite keeps reads alive on surviving slaves; the session is
	// closed the moment a write is attempted with no master available.
	FailOnWrite
	// ErrorOnWrite keeps the session open indefinitely, replying a
	// synthetic error to any write attempted while the master is down.
	ErrorOnWrite
)

func (m MasterFailureMode) String() string {
	switch m {
	case FailOnWrite:
		return "fail_on_write"
	case ErrorOnWrite:
		return "error_on_write"
	default:
		return "fail_instantly"
	}
}

// ParseMasterFailureMode parses the master_failure_mode config value.
func ParseMasterFailureMode(s string) (MasterFailureMode, error) {
	switch s {
	case "", "fail_instantly":
		return FailInstantly, nil
	case "fail_on_write":
		return FailOnWrite, nil
	case "error_on_write":
		return ErrorOnWrite, nil
	default:
		return 0, fmt.Errorf("unknown master_failure_mode %q", s)
	}
}

// LoadDataState is the LOAD DATA LOCAL INFILE sub-protocol's state
// machine.
type LoadDataState int

const (
	LoadDataInactive LoadDataState = iota
	LoadDataStart
	LoadDataActive
	LoadDataEnd
)

// Config is the configuration snapshot frozen at session open. A
// running session never re-reads live config — changes apply only to
// sessions opened afterward.
type Config struct {
	SlaveSelectionCriteria route.Criterion
	MaxSlaveConnections    int
	MaxSlaveConnectionsPct float64
	MaxSlaveReplicationLag float64
	UseSQLVariablesInAll   bool
	MaxSescmdHistory       uint32
	DisableSescmdHistory   bool
	MasterAcceptReads      bool
	StrictMultiStmt        bool
	MasterFailureMode      MasterFailureMode
	RetryFailedReads       bool
	ConnectionKeepalive    bool
}

// idempotentRead reports whether d is safe to silently retry against a
// different slave after a backend failure — i.e. it's a plain read with
// no side effects already observed by the client.
func idempotentRead(d classify.Decision) bool {
	return d.Target == classify.TargetSlave
}
