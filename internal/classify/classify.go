// Package classify implements the query classifier: it looks at a single
// client command and decides, without parsing SQL, how the router session
// should route it.
package classify

import (
	"bytes"
	"strings"

	"github.com/splitrouter/splitrouter/internal/wire"
)

// Target describes where a classified command should go.
type Target int

const (
	// TargetSlave may be served by any eligible slave (or master, per
	// master_accept_reads), picked by the route selector.
	TargetSlave Target = iota
	// TargetMaster must go to the current master and sticks the session
	// to it for some scope (until COMMIT, until the multi-stmt ends,
	// etc., tracked by the caller via Sticky/StickyScope).
	TargetMaster
	// TargetBroadcast must be sent to every live backend (session-
	// modifying commands: SET, USE, COM_INIT_DB, prepared statements).
	TargetBroadcast
	// TargetReject means the command must never be routed; the router
	// session synthesizes an ERR reply itself (CLASSIFICATION_REJECT).
	TargetReject
)

// StickyScope describes how long a TargetMaster classification should
// keep the session pinned to the master once chosen.
type StickyScope int

const (
	// StickyNone: this single command needs the master, but future
	// commands are free to route elsewhere again.
	StickyNone StickyScope = iota
	// StickyTransaction: sticky until the transaction ends (COMMIT,
	// ROLLBACK, or an implicit autocommit boundary).
	StickyTransaction
	// StickyMultiStmt: sticky until the multi-statement packet's session
	// resets (strict_multi_stmt).
	StickyMultiStmt
)

// Decision is the classifier's verdict for one command.
type Decision struct {
	Target       Target
	Sticky       StickyScope
	RejectReason string // populated when Target == TargetReject

	// SessionModifying commands get appended to the session-command log
	// for replay on newly attached backends.
	SessionModifying bool

	// TempTableRef marks statements that reference a temp table created
	// earlier in the session; a SELECT touching one must go to master
	// (sessions don't share temp tables across connections).
	TempTableRef bool

	// CreatedTempTable/DroppedTempTable carry the bare table name out of
	// a CREATE TEMPORARY TABLE / DROP TEMPORARY TABLE statement, so the
	// caller can add or remove it from the session's temp-table set.
	CreatedTempTable string
	DroppedTempTable string

	// LoadDataLocalInfile marks a LOAD DATA LOCAL INFILE statement,
	// which drives the load-data state machine rather than normal
	// routing.
	LoadDataLocalInfile bool
}

// Options carries the per-session policy knobs that affect
// classification.
type Options struct {
	// UseSQLVariablesInAll mirrors use_sql_variables_in=all: when true,
	// a SELECT that assigns to a user variable is rejected outright
	// instead of being routed, since its result would otherwise vary by
	// which backend served it.
	UseSQLVariablesInAll bool
	// StrictMultiStmt mirrors strict_multi_stmt: multi-statement packets
	// are forced to master and stay sticky.
	StrictMultiStmt bool
	// InTempTableScope reports whether query references a temp table
	// the session has created and not yet dropped.
	InTempTableScope func(query []byte) bool
}

// Classify inspects a single client command (command byte + payload
// following it) and returns a routing Decision.
func Classify(command byte, payload []byte, opts Options) Decision {
	switch command {
	case wire.ComInitDB, wire.ComChangeUser, wire.ComStmtPrepare, wire.ComStmtClose,
		wire.ComSetOption, wire.ComCreateDB, wire.ComDropDB, wire.ComFieldList,
		wire.ComRefresh, wire.ComProcessKill:
		return Decision{Target: TargetBroadcast, SessionModifying: true}

	case wire.ComPing, wire.ComQuit:
		return Decision{Target: TargetBroadcast, SessionModifying: false}

	case wire.ComQuery:
		return classifyQuery(payload, opts)

	default:
		// Anything else (COM_STMT_EXECUTE and friends) is treated
		// conservatively: stick to master so prepared-statement state
		// is never split across backends.
		return Decision{Target: TargetMaster, Sticky: StickyTransaction}
	}
}

func classifyQuery(payload []byte, opts Options) Decision {
	query := bytes.TrimSpace(payload)
	upper := strings.ToUpper(string(query))

	if strings.HasPrefix(upper, "LOAD DATA LOCAL INFILE") || strings.HasPrefix(upper, "LOAD DATA LOW_PRIORITY LOCAL INFILE") {
		return Decision{Target: TargetMaster, Sticky: StickyTransaction, LoadDataLocalInfile: true}
	}

	if strings.HasPrefix(upper, "SET ") || upper == "SET" || strings.HasPrefix(upper, "USE ") {
		return Decision{Target: TargetBroadcast, SessionModifying: true}
	}

	if assignsUserVariable(query) {
		if strings.HasPrefix(upper, "SELECT") && opts.UseSQLVariablesInAll {
			return Decision{
				Target:       TargetReject,
				RejectReason: "SELECT with session data modification is not supported",
			}
		}
		return Decision{Target: TargetMaster, Sticky: StickyTransaction}
	}

	if isMultiStatement(query) {
		if opts.StrictMultiStmt {
			return Decision{Target: TargetMaster, Sticky: StickyMultiStmt}
		}
	}

	if name, ok := tempTableName(upper, "CREATE TEMPORARY TABLE"); ok {
		return Decision{Target: TargetMaster, Sticky: StickyTransaction, CreatedTempTable: name}
	}

	if name, ok := tempTableName(upper, "DROP TEMPORARY TABLE"); ok {
		return Decision{Target: TargetMaster, Sticky: StickyTransaction, DroppedTempTable: name}
	}

	if isWriteOrDDLOrTxn(upper) {
		return Decision{Target: TargetMaster, Sticky: StickyTransaction}
	}

	if strings.HasPrefix(upper, "SELECT") {
		if opts.InTempTableScope != nil && opts.InTempTableScope(query) {
			return Decision{Target: TargetMaster, Sticky: StickyNone, TempTableRef: true}
		}
		return Decision{Target: TargetSlave}
	}

	// Anything not recognized as a pure read defaults to master — safer
	// to over-route writes to master than to risk serving them from a
	// slave.
	return Decision{Target: TargetMaster, Sticky: StickyTransaction}
}

// assignsUserVariable detects `SELECT ... := ...` / `SELECT ... INTO
// @var ...` style user-variable assignment. It is a deliberately narrow
// lexical check, not a parser — per the Non-goals, classification never
// parses SQL.
func assignsUserVariable(query []byte) bool {
	return bytes.Contains(query, []byte(":=")) ||
		bytes.Contains(bytes.ToUpper(query), []byte("INTO @"))
}

var writeOrDDLOrTxnPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "REPLACE",
	"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME",
	"BEGIN", "START TRANSACTION", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"LOCK TABLES", "UNLOCK TABLES",
	"GRANT", "REVOKE",
}

func isWriteOrDDLOrTxn(upperQuery string) bool {
	for _, p := range writeOrDDLOrTxnPrefixes {
		if strings.HasPrefix(upperQuery, p) {
			return true
		}
	}
	return strings.Contains(upperQuery, "GET_LOCK(")
}

// tempTableName checks whether upper starts with prefix (a CREATE/DROP
// TEMPORARY TABLE lead-in) and, if so, pulls the bare table name that
// follows, skipping an optional IF [NOT] EXISTS and any schema
// qualifier. It's a lexical scan, not a parser, consistent with the
// rest of this package.
func tempTableName(upper, prefix string) (string, bool) {
	if !strings.HasPrefix(upper, prefix) {
		return "", false
	}
	rest := strings.TrimSpace(upper[len(prefix):])
	rest = strings.TrimPrefix(rest, "IF NOT EXISTS ")
	rest = strings.TrimPrefix(rest, "IF EXISTS ")
	rest = strings.TrimSpace(rest)

	end := len(rest)
	for i, c := range rest {
		if c == ' ' || c == '\t' || c == '\n' || c == '(' {
			end = i
			break
		}
	}
	name := rest[:end]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	name = strings.Trim(name, "`")
	if name == "" {
		return "", false
	}
	return name, true
}

// isMultiStatement reports whether query contains more than one
// semicolon-separated statement (ignoring a single trailing semicolon).
func isMultiStatement(query []byte) bool {
	trimmed := bytes.TrimRight(query, "; \t\n")
	return bytes.Contains(trimmed, []byte(";"))
}
