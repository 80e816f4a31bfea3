package classify

import (
	"testing"

	"github.com/splitrouter/splitrouter/internal/wire"
)

func TestClassifySelectGoesToSlave(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("SELECT * FROM users WHERE id = 1"), Options{})
	if d.Target != TargetSlave {
		t.Errorf("target = %v, want TargetSlave", d.Target)
	}
}

func TestClassifyInsertGoesToMasterSticky(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("INSERT INTO users(id) VALUES (1)"), Options{})
	if d.Target != TargetMaster || d.Sticky != StickyTransaction {
		t.Errorf("got target=%v sticky=%v", d.Target, d.Sticky)
	}
}

func TestClassifySetBroadcasts(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("SET @x := 1"), Options{})
	if d.Target != TargetBroadcast || !d.SessionModifying {
		t.Errorf("got target=%v sessionModifying=%v", d.Target, d.SessionModifying)
	}
}

func TestClassifyUseBroadcasts(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("USE orders"), Options{})
	if d.Target != TargetBroadcast || !d.SessionModifying {
		t.Errorf("got target=%v sessionModifying=%v", d.Target, d.SessionModifying)
	}
}

func TestClassifyComInitDBBroadcasts(t *testing.T) {
	d := Classify(wire.ComInitDB, []byte("orders"), Options{})
	if d.Target != TargetBroadcast || !d.SessionModifying {
		t.Errorf("got target=%v sessionModifying=%v", d.Target, d.SessionModifying)
	}
}

// TestClassifyUserVarSelectRejectedWhenAll reproduces the bug694-style
// scenario: a SELECT that assigns to a user variable must be rejected
// outright when use_sql_variables_in=all, never routed anywhere.
func TestClassifyUserVarSelectRejectedWhenAll(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("SELECT @rownum := @rownum + 1 FROM t"), Options{UseSQLVariablesInAll: true})
	if d.Target != TargetReject {
		t.Fatalf("target = %v, want TargetReject", d.Target)
	}
	if d.RejectReason != "SELECT with session data modification is not supported" {
		t.Errorf("reject reason = %q", d.RejectReason)
	}
}

func TestClassifyUserVarSelectAllowedByDefault(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("SELECT @rownum := @rownum + 1 FROM t"), Options{})
	if d.Target != TargetMaster {
		t.Errorf("target = %v, want TargetMaster (sticky, not rejected)", d.Target)
	}
}

func TestClassifyMultiStmtStickyWhenStrict(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("INSERT INTO a VALUES (1); INSERT INTO b VALUES (2)"), Options{StrictMultiStmt: true})
	if d.Target != TargetMaster || d.Sticky != StickyMultiStmt {
		t.Errorf("got target=%v sticky=%v", d.Target, d.Sticky)
	}
}

func TestClassifyTempTableSelectGoesToMaster(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("SELECT * FROM tmp_report"), Options{
		InTempTableScope: func(q []byte) bool { return true },
	})
	if d.Target != TargetMaster || !d.TempTableRef {
		t.Errorf("got target=%v tempTableRef=%v", d.Target, d.TempTableRef)
	}
}

func TestClassifyCreateTemporaryTableRecordsName(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("CREATE TEMPORARY TABLE tmp_report (id INT)"), Options{})
	if d.Target != TargetMaster || d.CreatedTempTable != "TMP_REPORT" {
		t.Errorf("got target=%v createdTempTable=%q", d.Target, d.CreatedTempTable)
	}
}

func TestClassifyCreateTemporaryTableIfNotExistsSkipsClause(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("CREATE TEMPORARY TABLE IF NOT EXISTS scratch(id INT)"), Options{})
	if d.CreatedTempTable != "SCRATCH" {
		t.Errorf("createdTempTable = %q, want SCRATCH", d.CreatedTempTable)
	}
}

func TestClassifyCreateTemporaryTableStripsSchemaQualifier(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("CREATE TEMPORARY TABLE orders.tmp_report (id INT)"), Options{})
	if d.CreatedTempTable != "TMP_REPORT" {
		t.Errorf("createdTempTable = %q, want TMP_REPORT", d.CreatedTempTable)
	}
}

func TestClassifyDropTemporaryTableRecordsName(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("DROP TEMPORARY TABLE tmp_report"), Options{})
	if d.Target != TargetMaster || d.DroppedTempTable != "TMP_REPORT" {
		t.Errorf("got target=%v droppedTempTable=%q", d.Target, d.DroppedTempTable)
	}
}

func TestClassifyLoadDataLocalInfile(t *testing.T) {
	d := Classify(wire.ComQuery, []byte("LOAD DATA LOCAL INFILE '/tmp/x.csv' INTO TABLE t"), Options{})
	if !d.LoadDataLocalInfile || d.Target != TargetMaster {
		t.Errorf("got target=%v loadData=%v", d.Target, d.LoadDataLocalInfile)
	}
}
