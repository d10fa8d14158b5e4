package quarry

import (
	"context"
	"math"

	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// Stmt is a prepared statement. It stays bound to the connection that
// prepared it and shares that connection's serialization; a statement whose
// wrapper is collected without Close is finalized from the finalizer
// goroutine with a leak warning.
//
// Parameter indexes are 1-based, column indexes 0-based, following the
// engine convention.
type Stmt struct {
	conn   *Conn
	handle *resource.Auto
}

func (s *Stmt) ptr(phase errors.Phase) (uint32, error) {
	ptr, ok := s.handle.Ptr()
	if !ok {
		return 0, errors.InvalidHandle(phase, "statement")
	}
	return ptr, nil
}

// Step advances the statement. It reports true when positioned on a new
// row, false when the statement has run to completion. A busy-timeout
// expiry or constraint failure surfaces as an error with the matching
// result code.
func (s *Stmt) Step(ctx context.Context) (bool, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseStep)
	if err != nil {
		return false, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseStep)
	if err != nil {
		return false, err
	}
	rc, err := s.conn.call(ctx, "sqlite3_step", uint64(ptr))
	if err != nil {
		return false, err
	}
	switch code := errors.Code(int32(uint32(rc))); code {
	case errors.CodeRow:
		return true, nil
	case errors.CodeDone:
		return false, nil
	default:
		return false, errors.Engine(errors.PhaseStep, code, s.conn.errmsg(ctx))
	}
}

// Reset rewinds the statement so it can run again. Bindings keep their
// values until ClearBindings.
func (s *Stmt) Reset(ctx context.Context) error {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseStep)
	if err != nil {
		return err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseStep)
	if err != nil {
		return err
	}
	rc, err := s.conn.call(ctx, "sqlite3_reset", uint64(ptr))
	if err != nil {
		return err
	}
	return s.conn.rcErr(ctx, errors.PhaseStep, rc)
}

// ClearBindings resets every parameter to null.
func (s *Stmt) ClearBindings(ctx context.Context) error {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseBind)
	if err != nil {
		return err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseBind)
	if err != nil {
		return err
	}
	rc, err := s.conn.call(ctx, "sqlite3_clear_bindings", uint64(ptr))
	if err != nil {
		return err
	}
	return s.conn.rcErr(ctx, errors.PhaseBind, rc)
}

// Close finalizes the statement. Closing twice, or closing after the
// connection has been closed, is a no-op.
func (s *Stmt) Close(ctx context.Context) error {
	c := s.conn
	c.mu.Lock()
	ptr, ok := s.handle.Ptr()
	if !ok || c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	var err error
	if _, open := c.stmts[ptr]; open {
		ctx = withConn(ctx, c)
		c.inst.SetContext(ctx)
		err = c.finalizeStmtLocked(ctx, ptr)
	}
	c.mu.Unlock()

	// The pointer is untracked now, so the release path's class finalizer
	// resolves to a no-op instead of a second finalize.
	s.handle.Release()
	return err
}

// SQL returns the text the statement was compiled from.
func (s *Stmt) SQL(ctx context.Context) (string, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhasePrepare)
	if err != nil {
		return "", err
	}
	defer done()

	ptr, err := s.ptr(errors.PhasePrepare)
	if err != nil {
		return "", err
	}
	v, err := s.conn.call(ctx, "sqlite3_sql", uint64(ptr))
	if err != nil {
		return "", err
	}
	if v == 0 {
		return "", nil
	}
	text, err := readCString(s.conn.mem, uint32(v))
	if err != nil {
		return "", errors.HostFailure(errors.PhasePrepare, err)
	}
	return text, nil
}

// BindParameterCount returns the index of the largest parameter in the
// statement.
func (s *Stmt) BindParameterCount(ctx context.Context) (int, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseBind)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseBind)
	if err != nil {
		return 0, err
	}
	v, err := s.conn.call(ctx, "sqlite3_bind_parameter_count", uint64(ptr))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// BindValue binds v at parameter index idx.
func (s *Stmt) BindValue(ctx context.Context, idx int, v Value) error {
	return s.bind(ctx, idx, v)
}

// BindNull binds null at parameter index idx.
func (s *Stmt) BindNull(ctx context.Context, idx int) error {
	return s.bind(ctx, idx, Value{})
}

// BindInt64 binds v at parameter index idx.
func (s *Stmt) BindInt64(ctx context.Context, idx int, v int64) error {
	return s.bind(ctx, idx, Integer(v))
}

// BindFloat binds v at parameter index idx.
func (s *Stmt) BindFloat(ctx context.Context, idx int, v float64) error {
	return s.bind(ctx, idx, Real(v))
}

// BindText binds v at parameter index idx. v must be valid UTF-8.
func (s *Stmt) BindText(ctx context.Context, idx int, v string) error {
	return s.bind(ctx, idx, Value{typ: TypeText, text: v})
}

// BindBlob binds v at parameter index idx. The bytes are copied into the
// engine before the call returns, so v may be reused.
func (s *Stmt) BindBlob(ctx context.Context, idx int, v []byte) error {
	return s.bind(ctx, idx, Value{typ: TypeBlob, blob: v})
}

func (s *Stmt) bind(ctx context.Context, idx int, v Value) error {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseBind)
	if err != nil {
		return err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseBind)
	if err != nil {
		return err
	}
	return s.conn.bindValue(ctx, ptr, idx, v)
}

// ColumnCount returns the number of columns the statement produces.
func (s *Stmt) ColumnCount(ctx context.Context) (int, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	v, err := s.conn.call(ctx, "sqlite3_column_count", uint64(ptr))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// ColumnName returns the name of column col.
func (s *Stmt) ColumnName(ctx context.Context, col int) (string, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return "", err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return "", err
	}
	v, err := s.conn.call(ctx, "sqlite3_column_name", uint64(ptr), uint64(uint32(col)))
	if err != nil {
		return "", err
	}
	if v == 0 {
		return "", errors.Engine(errors.PhaseColumn, errors.CodeNoMem, "column name unavailable")
	}
	name, err := readCString(s.conn.mem, uint32(v))
	if err != nil {
		return "", errors.HostFailure(errors.PhaseColumn, err)
	}
	return name, nil
}

// ColumnType reports the storage class of column col in the current row.
func (s *Stmt) ColumnType(ctx context.Context, col int) (Type, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return TypeNull, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return TypeNull, err
	}
	v, err := s.conn.call(ctx, "sqlite3_column_type", uint64(ptr), uint64(uint32(col)))
	if err != nil {
		return TypeNull, err
	}
	return typeFromEngine(uint32(v)), nil
}

// ColumnValue reads column col of the current row with its storage class
// preserved.
func (s *Stmt) ColumnValue(ctx context.Context, col int) (Value, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return Value{}, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return Value{}, err
	}
	return s.conn.readColumn(ctx, ptr, col)
}

// ColumnInt64 reads column col as an integer, applying the engine's usual
// coercion for other storage classes.
func (s *Stmt) ColumnInt64(ctx context.Context, col int) (int64, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	v, err := s.conn.call(ctx, "sqlite3_column_int64", uint64(ptr), uint64(uint32(col)))
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// ColumnFloat reads column col as a float, applying the engine's usual
// coercion for other storage classes.
func (s *Stmt) ColumnFloat(ctx context.Context, col int) (float64, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return 0, err
	}
	v, err := s.conn.call(ctx, "sqlite3_column_double", uint64(ptr), uint64(uint32(col)))
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ColumnText reads column col as text. A null column reads as "".
func (s *Stmt) ColumnText(ctx context.Context, col int) (string, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return "", err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return "", err
	}
	data, err := s.conn.readColumnBytes(ctx, ptr, col, "sqlite3_column_text")
	if err != nil {
		return "", err
	}
	if err := errors.ValidText(errors.PhaseColumn, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// ColumnBlob reads column col as a blob. The returned slice is a copy.
func (s *Stmt) ColumnBlob(ctx context.Context, col int) ([]byte, error) {
	ctx, done, err := s.conn.enter(ctx, errors.PhaseColumn)
	if err != nil {
		return nil, err
	}
	defer done()

	ptr, err := s.ptr(errors.PhaseColumn)
	if err != nil {
		return nil, err
	}
	return s.conn.readColumnBytes(ctx, ptr, col, "sqlite3_column_blob")
}
