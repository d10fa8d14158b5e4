package quarry

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// guest is the slice of an engine instance the connection needs. Narrowed
// to an interface so tests can stand in for a live instance.
type guest interface {
	Call(ctx context.Context, name string, args ...uint64) (uint64, error)
	CallDetached(ctx context.Context, name string, args ...uint64) (uint64, error)
	SetContext(ctx context.Context)
	Memory() engine.Memory
	Allocator() engine.Allocator
	Close(ctx context.Context) error
}

var _ guest = (*engine.Instance)(nil)

// Conn is one database connection riding its own engine instance. Methods
// serialize on an internal mutex; host callbacks run on the calling
// goroutine inside whichever method triggered them, so they never contend
// for it. Interrupt and Interrupted are the only methods safe to call while
// another call is in flight.
type Conn struct {
	inst  guest
	mem   engine.Memory
	alloc engine.Allocator

	// reg pins Go callback state referenced from engine-side storage.
	reg *resource.Registry

	mu     sync.Mutex
	db     uint32
	closed atomic.Bool

	// stmts tracks raw statement pointers still open on the engine side.
	// Only pointers are held here, never wrappers, so statement handles
	// stay collectable.
	stmts map[uint32]struct{}

	stmtClass *resource.Class
	blobClass *resource.Class
}

// Registry kinds labelling what a connection pins for the engine.
const (
	kindScalar      resource.Kind = "scalar-func"
	kindAggregate   resource.Kind = "aggregate-func"
	kindAccumulator resource.Kind = "accumulator"
	kindHook        resource.Kind = "update-hook"
	kindModule      resource.Kind = "module"
	kindTable       resource.Kind = "table"
	kindCursor      resource.Kind = "cursor"
	kindState       resource.Kind = "scan-state"
)

// Open opens a database on a fresh engine instance. With no flags the
// database is opened read-write and created if missing. Relative paths
// resolve under the runtime's MountDir; ":memory:" opens a private
// in-memory database.
func (rt *Runtime) Open(ctx context.Context, path string, flags ...OpenFlag) (*Conn, error) {
	inst, err := rt.eng.Instantiate(ctx)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		inst:  inst,
		mem:   inst.Memory(),
		alloc: inst.Allocator(),
		reg:   resource.NewRegistry(),
		stmts: make(map[uint32]struct{}),
	}
	c.stmtClass = resource.NewClass("stmt", c.finalizeStmt)
	c.blobClass = resource.NewClass("blob", c.finalizeBlob)

	ctx = withConn(ctx, c)
	inst.SetContext(ctx)

	var flag uint32
	for _, f := range flags {
		flag |= uint32(f)
	}
	if flag == 0 {
		flag = engine.OpenReadWrite | engine.OpenCreate
	}

	db, err := c.openDatabase(ctx, path, flag)
	if err != nil {
		_ = inst.Close(ctx)
		_ = c.reg.Close()
		return nil, err
	}
	c.db = db

	// The wrapper owns engine-side state that only an explicit Close (or
	// this finalizer) can reclaim.
	runtime.SetFinalizer(c, func(obj *Conn) { obj.finalize() })

	engine.Logger().Debug("connection opened",
		zap.String("path", path),
		zap.Uint32("db", db))
	return c, nil
}

func (c *Conn) openDatabase(ctx context.Context, path string, flags uint32) (uint32, error) {
	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)

	pathPtr, err := c.stageString(list, path)
	if err != nil {
		return 0, err
	}
	dbOut, err := c.stageBytes(list, make([]byte, 4))
	if err != nil {
		return 0, err
	}

	rc, err := c.call(ctx, "sqlite3_open_v2", uint64(pathPtr), uint64(dbOut), uint64(flags), 0)
	if err != nil {
		return 0, err
	}
	db, err := c.mem.ReadU32(dbOut)
	if err != nil {
		return 0, errors.HostFailure(errors.PhaseOpen, err)
	}

	if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
		// Even on failure the engine may hand back a handle carrying the
		// diagnostic text; it must be closed either way.
		msg := code.String()
		if db != 0 {
			if m := c.errmsgOn(ctx, db); m != "" {
				msg = m
			}
			_, _ = c.call(ctx, "sqlite3_close_v2", uint64(db))
		}
		return 0, errors.Engine(errors.PhaseOpen, code, msg)
	}
	if db == 0 {
		return 0, errors.Engine(errors.PhaseOpen, errors.CodeNoMem, "open returned no database handle")
	}
	return db, nil
}

// Close finalizes outstanding statements, closes the database, and tears
// down the engine instance. Failures are collected rather than aborting the
// teardown. Close is idempotent.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}

	ctx = withConn(ctx, c)
	c.inst.SetContext(ctx)

	var result *multierror.Error
	for ptr := range c.stmts {
		if err := c.finalizeStmtLocked(ctx, ptr); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.stmts = make(map[uint32]struct{})

	if c.db != 0 {
		// Closing the database runs the destructors of every registered
		// function and module, which call back into the host to release
		// their tokens. The context set above routes them here.
		rc, err := c.call(ctx, "sqlite3_close_v2", uint64(c.db))
		if err != nil {
			result = multierror.Append(result, err)
		} else if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
			result = multierror.Append(result, errors.Engine(errors.PhaseClose, code, code.String()))
		}
		c.db = 0
	}

	c.closed.Store(true)
	if err := c.inst.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	_ = c.reg.Close()

	runtime.SetFinalizer(c, nil)
	return result.ErrorOrNil()
}

func (c *Conn) finalize() {
	if c.closed.Load() {
		return
	}
	engine.Logger().Warn("connection leaked, closing", zap.Uint32("db", c.db))
	_ = c.Close(context.Background())
}

// enter serializes a public entry point, rejects closed connections, and
// binds the connection into the context for callback dispatch.
func (c *Conn) enter(ctx context.Context, phase errors.Phase) (context.Context, func(), error) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, nil, errors.InvalidHandle(phase, "connection")
	}
	ctx = withConn(ctx, c)
	c.inst.SetContext(ctx)
	return ctx, c.mu.Unlock, nil
}

func (c *Conn) call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	return c.inst.Call(ctx, name, args...)
}

// rcErr maps an engine result code to a structured error carrying the
// connection's current diagnostic text. CodeOK maps to nil.
func (c *Conn) rcErr(ctx context.Context, phase errors.Phase, rc uint64) error {
	code := errors.Code(int32(uint32(rc)))
	if code == errors.CodeOK {
		return nil
	}
	return errors.Engine(phase, code, c.errmsg(ctx))
}

func (c *Conn) errmsg(ctx context.Context) string {
	return c.errmsgOn(ctx, c.db)
}

func (c *Conn) errmsgOn(ctx context.Context, db uint32) string {
	ptr, err := c.call(ctx, "sqlite3_errmsg", uint64(db))
	if err != nil || ptr == 0 {
		return ""
	}
	msg, err := readCString(c.mem, uint32(ptr))
	if err != nil {
		return ""
	}
	return msg
}

// Exec runs every statement in sql, discarding any rows. The first failure
// stops execution.
func (c *Conn) Exec(ctx context.Context, sql string) error {
	ctx, done, err := c.enter(ctx, errors.PhaseExec)
	if err != nil {
		return err
	}
	defer done()
	return c.exec(ctx, sql)
}

func (c *Conn) exec(ctx context.Context, sql string) error {
	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)

	sqlPtr, err := c.stageString(list, sql)
	if err != nil {
		return err
	}
	msgOut, err := c.stageBytes(list, make([]byte, 4))
	if err != nil {
		return err
	}

	rc, err := c.call(ctx, "sqlite3_exec", uint64(c.db), uint64(sqlPtr), 0, 0, uint64(msgOut))
	if err != nil {
		return err
	}
	code := errors.Code(int32(uint32(rc)))
	if code == errors.CodeOK {
		return nil
	}

	// The out-parameter carries an engine-allocated copy of the message
	// pinned to the failing statement; prefer it over the connection text
	// and give it back to the engine allocator.
	msg := ""
	if msgPtr, merr := c.mem.ReadU32(msgOut); merr == nil && msgPtr != 0 {
		msg, _ = readCString(c.mem, msgPtr)
		c.alloc.Free(msgPtr)
	}
	if msg == "" {
		msg = c.errmsg(ctx)
	}
	return errors.Engine(errors.PhaseExec, code, msg)
}

// Prepare compiles the first statement in sql and returns the unconsumed
// tail for multi-statement input. Input holding no statement at all, such
// as whitespace or a lone comment, returns a nil Stmt and no error.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Stmt, string, error) {
	ctx, done, err := c.enter(ctx, errors.PhasePrepare)
	if err != nil {
		return nil, "", err
	}
	defer done()
	return c.prepare(ctx, sql)
}

func (c *Conn) prepare(ctx context.Context, sql string) (*Stmt, string, error) {
	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)

	sqlPtr, err := c.stageString(list, sql)
	if err != nil {
		return nil, "", err
	}
	stmtOut, err := c.stageBytes(list, make([]byte, 4))
	if err != nil {
		return nil, "", err
	}
	tailOut, err := c.stageBytes(list, make([]byte, 4))
	if err != nil {
		return nil, "", err
	}

	rc, err := c.call(ctx, "sqlite3_prepare_v2",
		uint64(c.db), uint64(sqlPtr), uint64(len(sql)+1), uint64(stmtOut), uint64(tailOut))
	if err != nil {
		return nil, "", err
	}
	if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
		return nil, "", errors.Engine(errors.PhasePrepare, code, c.errmsg(ctx))
	}

	stmtPtr, err := c.mem.ReadU32(stmtOut)
	if err != nil {
		return nil, "", errors.HostFailure(errors.PhasePrepare, err)
	}
	tailPtr, err := c.mem.ReadU32(tailOut)
	if err != nil {
		return nil, "", errors.HostFailure(errors.PhasePrepare, err)
	}

	tail := ""
	if tailPtr > sqlPtr {
		if off := int(tailPtr - sqlPtr); off < len(sql) {
			tail = sql[off:]
		}
	}
	if stmtPtr == 0 {
		return nil, tail, nil
	}

	c.stmts[stmtPtr] = struct{}{}
	s := &Stmt{conn: c, handle: c.stmtClass.Wrap(stmtPtr)}
	return s, tail, nil
}

// finalizeStmt reclaims a statement whose wrapper was collected without
// Close. Runs on the finalizer goroutine.
func (c *Conn) finalizeStmt(ptr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	if _, open := c.stmts[ptr]; !open {
		return
	}
	engine.Logger().Warn("statement leaked, finalizing", zap.Uint32("stmt", ptr))

	ctx := withConn(context.Background(), c)
	c.inst.SetContext(ctx)
	if err := c.finalizeStmtLocked(ctx, ptr); err != nil {
		engine.Logger().Warn("finalize leaked statement", zap.Error(err))
	}
}

func (c *Conn) finalizeStmtLocked(ctx context.Context, ptr uint32) error {
	delete(c.stmts, ptr)
	rc, err := c.call(ctx, "sqlite3_finalize", uint64(ptr))
	if err != nil {
		return err
	}
	// A non-OK code here replays the statement's last step error; the
	// statement itself is gone regardless.
	if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
		return errors.Engine(errors.PhaseClose, code, code.String())
	}
	return nil
}

// LastInsertRowID returns the rowid of the most recent completed insert on
// this connection.
func (c *Conn) LastInsertRowID(ctx context.Context) (int64, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseExec)
	if err != nil {
		return 0, err
	}
	defer done()
	v, err := c.call(ctx, "sqlite3_last_insert_rowid", uint64(c.db))
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// Changes returns the number of rows changed by the most recent statement.
func (c *Conn) Changes(ctx context.Context) (int, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseExec)
	if err != nil {
		return 0, err
	}
	defer done()
	v, err := c.call(ctx, "sqlite3_changes", uint64(c.db))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// TotalChanges returns the number of rows changed since the connection
// opened.
func (c *Conn) TotalChanges(ctx context.Context) (int, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseExec)
	if err != nil {
		return 0, err
	}
	defer done()
	v, err := c.call(ctx, "sqlite3_total_changes", uint64(c.db))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// BusyTimeout sets how long the engine retries when a table is locked
// before giving up with a busy error. Zero or negative disables retrying.
func (c *Conn) BusyTimeout(ctx context.Context, d time.Duration) error {
	ctx, done, err := c.enter(ctx, errors.PhaseExec)
	if err != nil {
		return err
	}
	defer done()
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	rc, err := c.call(ctx, "sqlite3_busy_timeout", uint64(c.db), uint64(uint32(ms)))
	if err != nil {
		return err
	}
	return c.rcErr(ctx, errors.PhaseExec, rc)
}

// Interrupt raises the engine's interrupt flag, making any statement in
// flight on this connection abort at its next checkpoint. Unlike every
// other method it may be called from another goroutine while a call is
// running; calling it concurrently with Close is not supported.
func (c *Conn) Interrupt(ctx context.Context) error {
	if c.closed.Load() {
		return errors.InvalidHandle(errors.PhaseExec, "connection")
	}
	_, err := c.inst.CallDetached(ctx, "sqlite3_interrupt", uint64(c.db))
	return err
}

// Interrupted reports whether the interrupt flag is currently raised. Like
// Interrupt it may run concurrently with a call in flight.
func (c *Conn) Interrupted(ctx context.Context) (bool, error) {
	if c.closed.Load() {
		return false, errors.InvalidHandle(errors.PhaseExec, "connection")
	}
	v, err := c.inst.CallDetached(ctx, "sqlite3_is_interrupted", uint64(c.db))
	if err != nil {
		return false, err
	}
	return uint32(v) != 0, nil
}
