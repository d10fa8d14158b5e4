package quarry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/quarrydb/quarry/errors"
)

func TestOpenDatabaseWritesHandle(t *testing.T) {
	c, g := newTestConn(t)
	var gotFlags uint64
	g.on("sqlite3_open_v2", func(args []uint64) uint64 {
		path, err := readCString(c.mem, uint32(args[0]))
		if err != nil || path != "app.db" {
			t.Errorf("staged path = %q, %v", path, err)
		}
		gotFlags = args[2]
		if err := g.mem.WriteU32(uint32(args[1]), 0xD1); err != nil {
			t.Fatalf("write handle: %v", err)
		}
		return 0
	})

	db, err := c.openDatabase(hostCtx(c), "app.db", 0x2|0x4)
	if err != nil {
		t.Fatalf("openDatabase: %v", err)
	}
	if db != 0xD1 {
		t.Errorf("db = %#x", db)
	}
	if gotFlags != 0x6 {
		t.Errorf("flags = %#x", gotFlags)
	}
	if leaks := g.alloc.leaked(); len(leaks) != 0 {
		t.Errorf("open staging leaked: %v", leaks)
	}
}

// A failed open can still hand back a handle carrying the diagnostic text;
// it must be read and closed.
func TestOpenDatabaseFailureClosesPartialHandle(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_open_v2", func(args []uint64) uint64 {
		if err := g.mem.WriteU32(uint32(args[1]), 0xD2); err != nil {
			t.Fatalf("write handle: %v", err)
		}
		return uint64(uint32(int32(errors.CodeCantOpen)))
	})
	g.installErrmsg("unable to open database file")
	var closed uint64
	g.on("sqlite3_close_v2", func(args []uint64) uint64 {
		closed = args[0]
		return 0
	})

	_, err := c.openDatabase(hostCtx(c), "missing/dir/app.db", 0x2)
	if err == nil {
		t.Fatal("expected open error")
	}
	if !errors.IsCode(err, errors.CodeCantOpen) {
		t.Errorf("code = %v", errors.CodeOf(err))
	}
	if closed != 0xD2 {
		t.Errorf("partial handle not closed: %#x", closed)
	}
}

func TestExecStagesStatementText(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_exec", func(args []uint64) uint64 {
		if args[0] != testDB {
			t.Errorf("db = %#x", args[0])
		}
		sql, err := readCString(c.mem, uint32(args[1]))
		if err != nil || sql != "CREATE TABLE t(a)" {
			t.Errorf("staged sql = %q, %v", sql, err)
		}
		return 0
	})

	if err := c.Exec(context.Background(), "CREATE TABLE t(a)"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if leaks := g.alloc.leaked(); len(leaks) != 0 {
		t.Errorf("exec staging leaked: %v", leaks)
	}
}

// The exec out-parameter carries an engine-allocated message pinned to the
// failing statement. It wins over the connection text and goes back to the
// engine allocator.
func TestExecPrefersOutParameterMessage(t *testing.T) {
	c, g := newTestConn(t)
	msgPtr := g.stage([]byte(`near "CREATE": syntax error`))
	g.on("sqlite3_exec", func(args []uint64) uint64 {
		if err := g.mem.WriteU32(uint32(args[4]), msgPtr); err != nil {
			t.Fatalf("write msgOut: %v", err)
		}
		return uint64(uint32(int32(errors.CodeError)))
	})

	err := c.Exec(context.Background(), "CREATE CREATE")
	if err == nil {
		t.Fatal("expected exec error")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Message != `near "CREATE": syntax error` {
		t.Errorf("message = %v", err)
	}
	freed := false
	for _, p := range g.alloc.freed {
		if p == msgPtr {
			freed = true
		}
	}
	if !freed {
		t.Errorf("engine message at %#x not freed", msgPtr)
	}
}

func TestExecFallsBackToConnectionText(t *testing.T) {
	c, g := newTestConn(t)
	g.onRC("sqlite3_exec", errors.CodeBusy)
	g.installErrmsg("database is locked")

	err := c.Exec(context.Background(), "BEGIN IMMEDIATE")
	if err == nil {
		t.Fatal("expected exec error")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Message != "database is locked" {
		t.Errorf("message = %v", err)
	}
	if !errors.IsCode(err, errors.CodeBusy) {
		t.Errorf("code = %v", errors.CodeOf(err))
	}
}

func TestPrepareReturnsStatementAndTail(t *testing.T) {
	c, g := newTestConn(t)
	sql := "SELECT 1; SELECT 2"
	g.on("sqlite3_prepare_v2", func(args []uint64) uint64 {
		if args[2] != uint64(len(sql)+1) {
			t.Errorf("nByte = %d, want %d", args[2], len(sql)+1)
		}
		if err := g.mem.WriteU32(uint32(args[3]), 0x51); err != nil {
			t.Fatalf("write stmtOut: %v", err)
		}
		if err := g.mem.WriteU32(uint32(args[4]), uint32(args[1])+9); err != nil {
			t.Fatalf("write tailOut: %v", err)
		}
		return 0
	})

	s, tail, err := c.Prepare(context.Background(), sql)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if s == nil {
		t.Fatal("nil statement")
	}
	if tail != " SELECT 2" {
		t.Errorf("tail = %q", tail)
	}
	if _, open := c.stmts[0x51]; !open {
		t.Error("statement pointer not tracked")
	}
}

// Whitespace or a lone comment compiles to nothing: nil statement, no error.
func TestPrepareEmptyStatement(t *testing.T) {
	c, g := newTestConn(t)
	sql := "-- nothing here"
	g.on("sqlite3_prepare_v2", func(args []uint64) uint64 {
		if err := g.mem.WriteU32(uint32(args[3]), 0); err != nil {
			t.Fatalf("write stmtOut: %v", err)
		}
		if err := g.mem.WriteU32(uint32(args[4]), uint32(args[1])+uint32(len(sql))); err != nil {
			t.Fatalf("write tailOut: %v", err)
		}
		return 0
	})

	s, tail, err := c.Prepare(context.Background(), sql)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if s != nil {
		t.Errorf("statement = %v, want nil", s)
	}
	if tail != "" {
		t.Errorf("tail = %q", tail)
	}
	if len(c.stmts) != 0 {
		t.Errorf("tracked statements: %d", len(c.stmts))
	}
}

func TestPrepareErrorCarriesDiagnostic(t *testing.T) {
	c, g := newTestConn(t)
	g.onRC("sqlite3_prepare_v2", errors.CodeError)
	g.installErrmsg("no such table: missing")

	_, _, err := c.Prepare(context.Background(), "SELECT * FROM missing")
	if err == nil {
		t.Fatal("expected prepare error")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Message != "no such table: missing" {
		t.Errorf("message = %v", err)
	}
}

func TestCloseFinalizesStatementsThenDatabase(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_prepare_v2", func(args []uint64) uint64 {
		if err := g.mem.WriteU32(uint32(args[3]), 0x51); err != nil {
			t.Fatalf("write stmtOut: %v", err)
		}
		if err := g.mem.WriteU32(uint32(args[4]), 0); err != nil {
			t.Fatalf("write tailOut: %v", err)
		}
		return 0
	})
	var finalized, closedDB []uint64
	g.on("sqlite3_finalize", func(args []uint64) uint64 {
		finalized = append(finalized, args[0])
		return 0
	})
	g.on("sqlite3_close_v2", func(args []uint64) uint64 {
		closedDB = append(closedDB, args[0])
		return 0
	})

	if _, _, err := c.Prepare(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(finalized) != 1 || finalized[0] != 0x51 {
		t.Errorf("finalized = %v", finalized)
	}
	if len(closedDB) != 1 || closedDB[0] != testDB {
		t.Errorf("closed handles = %v", closedDB)
	}
	if !g.closed {
		t.Error("instance not closed")
	}
	if c.reg.Len() != 0 {
		t.Errorf("registry still holds %d entries", c.reg.Len())
	}

	calls := len(g.calls)
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(g.calls) != calls {
		t.Error("second Close touched the instance")
	}
}

// Teardown keeps going past failures and reports them together.
func TestCloseCollectsFailures(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_prepare_v2", func(args []uint64) uint64 {
		if err := g.mem.WriteU32(uint32(args[3]), 0x52); err != nil {
			t.Fatalf("write stmtOut: %v", err)
		}
		if err := g.mem.WriteU32(uint32(args[4]), 0); err != nil {
			t.Fatalf("write tailOut: %v", err)
		}
		return 0
	})
	g.onRC("sqlite3_finalize", errors.CodeError)
	g.onRC("sqlite3_close_v2", errors.CodeBusy)

	if _, _, err := c.Prepare(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	err := c.Close(context.Background())
	if err == nil {
		t.Fatal("expected collected teardown errors")
	}
	if !c.closed.Load() {
		t.Error("connection not marked closed")
	}
	if !g.closed {
		t.Error("instance not closed despite failures")
	}
}

func TestMethodsAfterClose(t *testing.T) {
	c, g := newTestConn(t)
	g.onRC("sqlite3_close_v2", errors.CodeOK)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := c.Exec(context.Background(), "SELECT 1"); !errors.IsInvalidHandle(err) {
		t.Errorf("Exec after close: %v", err)
	}
	if _, _, err := c.Prepare(context.Background(), "SELECT 1"); !errors.IsInvalidHandle(err) {
		t.Errorf("Prepare after close: %v", err)
	}
	if err := c.Interrupt(context.Background()); !errors.IsInvalidHandle(err) {
		t.Errorf("Interrupt after close: %v", err)
	}
}

func TestConnectionCounters(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_last_insert_rowid", func([]uint64) uint64 { v := int64(-1); return uint64(v) })
	g.on("sqlite3_changes", func([]uint64) uint64 { return 3 })
	g.on("sqlite3_total_changes", func([]uint64) uint64 { return 12 })

	ctx := context.Background()
	rowid, err := c.LastInsertRowID(ctx)
	if err != nil || rowid != -1 {
		t.Errorf("LastInsertRowID = %d, %v", rowid, err)
	}
	n, err := c.Changes(ctx)
	if err != nil || n != 3 {
		t.Errorf("Changes = %d, %v", n, err)
	}
	total, err := c.TotalChanges(ctx)
	if err != nil || total != 12 {
		t.Errorf("TotalChanges = %d, %v", total, err)
	}
}

func TestBusyTimeoutClampsNegative(t *testing.T) {
	c, g := newTestConn(t)
	var gotMS []uint64
	g.on("sqlite3_busy_timeout", func(args []uint64) uint64 {
		gotMS = append(gotMS, args[1])
		return 0
	})

	if err := c.BusyTimeout(context.Background(), 1500*time.Millisecond); err != nil {
		t.Fatalf("BusyTimeout: %v", err)
	}
	if err := c.BusyTimeout(context.Background(), -time.Second); err != nil {
		t.Fatalf("BusyTimeout negative: %v", err)
	}
	if len(gotMS) != 2 || gotMS[0] != 1500 || gotMS[1] != 0 {
		t.Errorf("milliseconds = %v", gotMS)
	}
}

// Interrupt bypasses the connection mutex so it can fire while a call is
// in flight.
func TestInterruptRunsDetached(t *testing.T) {
	c, g := newTestConn(t)
	g.on("sqlite3_interrupt", func([]uint64) uint64 { return 0 })
	g.on("sqlite3_is_interrupted", func([]uint64) uint64 { return 1 })

	if err := c.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	raised, err := c.Interrupted(context.Background())
	if err != nil || !raised {
		t.Errorf("Interrupted = %v, %v", raised, err)
	}
	if len(g.detached) != 2 {
		t.Errorf("detached calls = %v", g.detached)
	}
	if len(g.calls) != 0 {
		t.Errorf("attached calls = %v, want none", g.calls)
	}
}
