// Package testbed runs the bridge against a real engine build. The tests
// skip unless a wasm32 engine binary is available; point QUARRY_ENGINE at
// one to run them.
package testbed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/quarrydb/quarry"
)

func loadEngine(t *testing.T) []byte {
	t.Helper()
	path := os.Getenv("QUARRY_ENGINE")
	if path == "" {
		path = "quarry-engine.wasm"
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		t.Skipf("engine build not found: %v (set QUARRY_ENGINE)", err)
	}
	return wasm
}

func newRuntime(t *testing.T, cfg quarry.Config) *quarry.Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := quarry.NewRuntime(ctx, loadEngine(t), cfg)
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func openMemory(t *testing.T) *quarry.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := newRuntime(t, quarry.Config{}).Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

func mustExec(t *testing.T, conn *quarry.Conn, stmts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, sql := range stmts {
		if err := conn.Exec(ctx, sql); err != nil {
			t.Fatalf("exec %q: %v", sql, err)
		}
	}
}

// queryRows runs sql and returns every row rendered with Value.String, one
// slice of column texts per row.
func queryRows(t *testing.T, conn *quarry.Conn, sql string) [][]string {
	t.Helper()
	ctx := context.Background()
	stmt, _, err := conn.Prepare(ctx, sql)
	if err != nil {
		t.Fatalf("prepare %q: %v", sql, err)
	}
	defer stmt.Close(ctx)

	cols, err := stmt.ColumnCount(ctx)
	if err != nil {
		t.Fatalf("column count: %v", err)
	}
	var rows [][]string
	for {
		row, err := stmt.Step(ctx)
		if err != nil {
			t.Fatalf("step %q: %v", sql, err)
		}
		if !row {
			return rows
		}
		fields := make([]string, cols)
		for i := range fields {
			v, err := stmt.ColumnValue(ctx, i)
			if err != nil {
				t.Fatalf("column %d: %v", i, err)
			}
			fields[i] = v.String()
		}
		rows = append(rows, fields)
	}
}

func queryOne(t *testing.T, conn *quarry.Conn, sql string) string {
	t.Helper()
	rows := queryRows(t, conn, sql)
	if len(rows) != 1 || len(rows[0]) != 1 {
		t.Fatalf("query %q: want a single value, got %v", sql, rows)
	}
	return rows[0][0]
}

func TestExecAndQuery(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	mustExec(t, conn,
		`CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)`,
		`INSERT INTO kv VALUES ('a', 1), ('b', 2), ('c', 3)`,
	)

	n, err := conn.Changes(ctx)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if n != 3 {
		t.Errorf("changes = %d, want 3", n)
	}

	rows := queryRows(t, conn, `SELECT k, v FROM kv ORDER BY k`)
	want := [][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
	for i := range want {
		if rows[i][0] != want[i][0] || rows[i][1] != want[i][1] {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestBindRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	stmt, _, err := conn.Prepare(ctx, `SELECT ?1, ?2, ?3, ?4`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Close(ctx)

	if err := stmt.BindInt64(ctx, 1, -42); err != nil {
		t.Fatalf("bind int: %v", err)
	}
	if err := stmt.BindText(ctx, 2, "héllo"); err != nil {
		t.Fatalf("bind text: %v", err)
	}
	if err := stmt.BindBlob(ctx, 3, []byte{0xca, 0xfe}); err != nil {
		t.Fatalf("bind blob: %v", err)
	}
	if err := stmt.BindFloat(ctx, 4, 1.5); err != nil {
		t.Fatalf("bind float: %v", err)
	}

	row, err := stmt.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !row {
		t.Fatal("step returned no row")
	}

	if v, _ := stmt.ColumnInt64(ctx, 0); v != -42 {
		t.Errorf("column 0 = %d, want -42", v)
	}
	if v, _ := stmt.ColumnText(ctx, 1); v != "héllo" {
		t.Errorf("column 1 = %q, want %q", v, "héllo")
	}
	if v, _ := stmt.ColumnBlob(ctx, 2); !bytes.Equal(v, []byte{0xca, 0xfe}) {
		t.Errorf("column 2 = % x, want ca fe", v)
	}
	if v, _ := stmt.ColumnFloat(ctx, 3); v != 1.5 {
		t.Errorf("column 3 = %v, want 1.5", v)
	}
}

func TestScalarFunctionInSQL(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	err := conn.CreateFunction(ctx, "reverse", 1, func(args []quarry.Value) (quarry.Value, error) {
		r := []rune(args[0].Text())
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return quarry.Text(string(r)), nil
	}, quarry.Deterministic())
	if err != nil {
		t.Fatalf("create function: %v", err)
	}

	if got := queryOne(t, conn, `SELECT reverse('quarry')`); got != "yrrauq" {
		t.Errorf("reverse('quarry') = %q, want %q", got, "yrrauq")
	}
}

func TestScalarFunctionErrorFailsStatement(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	err := conn.CreateFunction(ctx, "always_fails", 0, func(args []quarry.Value) (quarry.Value, error) {
		return quarry.Value{}, fmt.Errorf("internal detail that must not leak")
	})
	if err != nil {
		t.Fatalf("create function: %v", err)
	}

	err = conn.Exec(ctx, `SELECT always_fails()`)
	if err == nil {
		t.Fatal("statement with failing function succeeded")
	}
	if strings.Contains(err.Error(), "internal detail") {
		t.Errorf("host cause leaked into engine error: %v", err)
	}
}

func TestAggregateInSQL(t *testing.T) {
	conn := openMemory(t)
	ctx := context.Background()

	err := conn.CreateAggregate(ctx, "product", 1, quarry.AggregateFunc{
		Init: func() (any, error) { return int64(1), nil },
		Step: func(acc any, args []quarry.Value) (any, error) {
			return acc.(int64) * args[0].Int64(), nil
		},
		Final: func(acc any) (quarry.Value, error) {
			return quarry.Integer(acc.(int64)), nil
		},
	})
	if err != nil {
		t.Fatalf("create aggregate: %v", err)
	}

	mustExec(t, conn,
		`CREATE TABLE nums (n INTEGER)`,
		`INSERT INTO nums VALUES (2), (3), (4)`,
	)

	if got := queryOne(t, conn, `SELECT product(n) FROM nums`); got != "24" {
		t.Errorf("product over 2,3,4 = %s, want 24", got)
	}
}

func TestUpdateHookInSQL(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	type event struct {
		op    quarry.UpdateOp
		table string
		rowid int64
	}
	var (
		mu     sync.Mutex
		events []event
	)
	err := conn.SetUpdateHook(ctx, func(op quarry.UpdateOp, table string, rowid int64) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{op, table, rowid})
		return nil
	})
	if err != nil {
		t.Fatalf("set update hook: %v", err)
	}

	mustExec(t, conn,
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER)`,
		`INSERT INTO accounts VALUES (7, 100)`,
		`UPDATE accounts SET balance = 150 WHERE id = 7`,
		`DELETE FROM accounts WHERE id = 7`,
	)

	want := []event{
		{quarry.OpInsert, "accounts", 7},
		{quarry.OpUpdate, "accounts", 7},
		{quarry.OpDelete, "accounts", 7},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, events[i], want[i])
		}
	}
}

// seqModule backs virtual tables producing the integers [1, n].
type seqModule struct {
	n int64
}

type seqScan struct {
	pos, end int64
}

func (m *seqModule) Schema(args []string) ([]quarry.Column, error) {
	m.n = 10
	if len(args) > 0 {
		n, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seq: bad upper bound %q", args[0])
		}
		m.n = n
	}
	return []quarry.Column{{Name: "value", Type: "INTEGER"}}, nil
}

func (m *seqModule) Plan(in *quarry.PlanInput) (*quarry.PlanOutput, error) {
	return &quarry.PlanOutput{EstimatedCost: float64(m.n), EstimatedRows: m.n}, nil
}

func (m *seqModule) Open(plan int, args []quarry.Value) (any, error) {
	return &seqScan{pos: 1, end: m.n}, nil
}

func (m *seqModule) Next(state any) (any, error) {
	s := state.(*seqScan)
	s.pos++
	return s, nil
}

func (m *seqModule) EOF(state any) (bool, error) {
	s := state.(*seqScan)
	return s.pos > s.end, nil
}

func (m *seqModule) Column(state any, col int) (quarry.Value, error) {
	return quarry.Integer(state.(*seqScan).pos), nil
}

func (m *seqModule) RowID(state any) (int64, error) {
	return state.(*seqScan).pos, nil
}

func (m *seqModule) Close(state any) error { return nil }

func TestVirtualTableInSQL(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	if err := conn.CreateModule(ctx, "seq", &seqModule{}); err != nil {
		t.Fatalf("create module: %v", err)
	}
	mustExec(t, conn, `CREATE VIRTUAL TABLE seq10 USING seq(10)`)

	if got := queryOne(t, conn, `SELECT count(*) FROM seq10`); got != "10" {
		t.Errorf("count(*) = %s, want 10", got)
	}
	if got := queryOne(t, conn, `SELECT sum(value) FROM seq10`); got != "55" {
		t.Errorf("sum(value) = %s, want 55", got)
	}
	if got := queryOne(t, conn, `SELECT value FROM seq10 WHERE value = 7`); got != "7" {
		t.Errorf("point query = %s, want 7", got)
	}

	mustExec(t, conn, `DROP TABLE seq10`)
}

func TestBackupToFile(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, quarry.Config{MountDir: t.TempDir()})

	conn, err := rt.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer conn.Close(ctx)
	mustExec(t, conn,
		`CREATE TABLE t (n INTEGER)`,
		`INSERT INTO t VALUES (1), (2), (3)`,
	)

	b, err := conn.Backup(ctx, "main", "snap.db", "main")
	if err != nil {
		t.Fatalf("backup init: %v", err)
	}
	done, err := b.Step(ctx, -1)
	if err != nil {
		t.Fatalf("backup step: %v", err)
	}
	if !done {
		t.Error("full-step backup not done")
	}
	if err := b.Finish(ctx); err != nil {
		t.Fatalf("backup finish: %v", err)
	}

	snap, err := rt.Open(ctx, "snap.db")
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close(ctx)
	if got := queryOne(t, snap, `SELECT sum(n) FROM t`); got != "6" {
		t.Errorf("snapshot sum = %s, want 6", got)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, quarry.Config{})

	src, err := rt.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close(ctx)
	mustExec(t, src,
		`CREATE TABLE t (s TEXT)`,
		`INSERT INTO t VALUES ('alpha'), ('beta')`,
	)

	img, err := src.Serialize(ctx, "main")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(img) == 0 {
		t.Fatal("serialize returned an empty image")
	}

	dst, err := rt.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open destination: %v", err)
	}
	defer dst.Close(ctx)
	if err := dst.Deserialize(ctx, "main", img); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got := queryOne(t, dst, `SELECT count(*) FROM t`); got != "2" {
		t.Errorf("restored count = %s, want 2", got)
	}
}

func TestBlobIO(t *testing.T) {
	ctx := context.Background()
	conn := openMemory(t)

	mustExec(t, conn,
		`CREATE TABLE docs (id INTEGER PRIMARY KEY, body BLOB)`,
		`INSERT INTO docs VALUES (1, zeroblob(16))`,
	)

	bl, err := conn.OpenBlob(ctx, "main", "docs", "body", 1, true)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	defer bl.Close(ctx)

	if bl.Size() != 16 {
		t.Errorf("size = %d, want 16", bl.Size())
	}
	if _, err := bl.WriteAt(ctx, []byte("hello"), 3); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := bl.ReadAt(ctx, buf, 3); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("read back %q, want %q", buf, "hello")
	}
}
