package quarry

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// Column describes one column of a virtual table's declared schema. Type is
// the declared affinity text and may be empty.
type Column struct {
	Name string
	Type string
}

// ConstraintOp is the operator of one planner constraint.
type ConstraintOp uint8

const (
	ConstraintEQ        ConstraintOp = 2
	ConstraintGT        ConstraintOp = 4
	ConstraintLE        ConstraintOp = 8
	ConstraintLT        ConstraintOp = 16
	ConstraintGE        ConstraintOp = 32
	ConstraintMatch     ConstraintOp = 64
	ConstraintLike      ConstraintOp = 65
	ConstraintGlob      ConstraintOp = 66
	ConstraintRegexp    ConstraintOp = 67
	ConstraintNE        ConstraintOp = 68
	ConstraintIsNot     ConstraintOp = 69
	ConstraintIsNotNull ConstraintOp = 70
	ConstraintIsNull    ConstraintOp = 71
	ConstraintIs        ConstraintOp = 72
	ConstraintLimit     ConstraintOp = 73
	ConstraintOffset    ConstraintOp = 74
	ConstraintFunction  ConstraintOp = 150
)

// IndexConstraint is one WHERE-clause term offered to the planner. Column
// -1 refers to the rowid.
type IndexConstraint struct {
	Column int
	Op     ConstraintOp
	Usable bool
}

// IndexOrderBy is one ORDER BY term offered to the planner.
type IndexOrderBy struct {
	Column int
	Desc   bool
}

// PlanInput is the planning problem the engine offers a module: the
// constraints and orderings of one query against the table, in the engine's
// order, plus the bitmask of columns the query touches.
type PlanInput struct {
	Constraints []IndexConstraint
	OrderBy     []IndexOrderBy
	ColUsed     uint64
}

// PlanOutput is the module's answer to the planner. Index is relayed to the
// scan verbatim as the plan identifier. The estimate fields are accepted
// for forward compatibility but not yet relayed; every plan is costed as a
// full scan.
type PlanOutput struct {
	Index         int
	EstimatedCost float64
	EstimatedRows int64
}

// Module implements a virtual table. One registered module can back any
// number of tables; the module value itself carries whatever instance state
// the application needs.
//
// Scan state is threaded through Open/Next/EOF/Column/RowID/Close as an
// opaque value. Next returns the state to carry forward, which may be the
// received one mutated or a replacement. A state that implements
// resource.Dropper is dropped when a refilter or scan advance replaces it.
type Module interface {
	// Schema inspects the CREATE VIRTUAL TABLE arguments (those after the
	// module, database, and table names) and returns the table's columns.
	Schema(args []string) ([]Column, error)

	// Plan chooses a plan for one query shape.
	Plan(in *PlanInput) (*PlanOutput, error)

	// Open starts a scan under the given plan index with the constraint
	// arguments the plan claimed, returning fresh scan state.
	Open(plan int, args []Value) (any, error)

	// Next advances the scan, returning the state to carry forward.
	Next(state any) (any, error)

	// EOF reports whether the scan is exhausted.
	EOF(state any) (bool, error)

	// Column reads one column of the current row.
	Column(state any, col int) (Value, error)

	// RowID reads the current row's rowid.
	RowID(state any) (int64, error)

	// Close tears down the scan's final state.
	Close(state any) error
}

// Mutator is optionally implemented by modules whose tables accept writes.
// Modules without it reject INSERT, UPDATE, and DELETE with the engine's
// read-only error.
type Mutator interface {
	// Mutate applies one row change and, for inserts, returns the rowid of
	// the new row.
	Mutate(m Mutation) (int64, error)
}

// MutationKind classifies a Mutation.
type MutationKind uint8

const (
	MutationInsert MutationKind = iota
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationInsert:
		return "insert"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one write against a virtual table.
//
// Delete carries the target rowid in RowID. Insert carries the new row's
// column values in Values and, when HasRowID is set, an explicit rowid in
// RowID. Update carries the target rowid in RowID, the rowid after the
// change in NewRowID, and the new column values in Values.
type Mutation struct {
	Kind     MutationKind
	RowID    int64
	NewRowID int64
	HasRowID bool
	Values   []Value
}

// CreateModule registers mod as the implementation behind virtual tables
// created with USING name. The module stays pinned until the engine drops
// the registration.
func (c *Conn) CreateModule(ctx context.Context, name string, mod Module) error {
	if mod == nil {
		return errors.InvalidInput(errors.PhaseModule, "nil module")
	}
	ctx, done, err := c.enter(ctx, errors.PhaseModule)
	if err != nil {
		return err
	}
	defer done()

	tok, err := c.reg.Put(kindModule, mod)
	if err != nil {
		return errors.HostFailure(errors.PhaseModule, err)
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	namePtr, err := c.stageString(list, name)
	if err != nil {
		_ = c.reg.Release(tok)
		return err
	}

	rc, err := c.call(ctx, engine.FnCreateModule, uint64(c.db), uint64(namePtr), uint64(tok))
	if err != nil {
		_ = c.reg.Release(tok)
		return err
	}
	if cerr := c.rcErr(ctx, errors.PhaseModule, rc); cerr != nil {
		_ = c.reg.Release(tok)
		return cerr
	}
	return nil
}

// hostModuleDestroy services module_destroy(token): the engine dropped a
// module registration.
func hostModuleDestroy(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tok := resource.Token(uint32(stack[0]))
	if err := c.reg.Release(tok); err != nil {
		engine.Logger().Warn("release module token",
			zap.Uint32("token", uint32(tok)), zap.Error(err))
	}
}

// vtabTable is the host record behind one connected virtual table. It holds
// the module back-reference token so the module outlives re-registration
// while tables still use it.
type vtabTable struct {
	module Module
	modTok resource.Token
}

// vtabCursor is the host record behind one open cursor. stateTok is zero
// until the first filter; an unfiltered cursor reports EOF.
type vtabCursor struct {
	table    *vtabTable
	tableTok resource.Token
	stateTok resource.Token
	filtered bool
}

func (c *Conn) tableAt(tok resource.Token) (*vtabTable, bool) {
	v, ok := c.reg.Get(tok)
	if !ok {
		return nil, false
	}
	t, ok := v.(*vtabTable)
	return t, ok
}

func (c *Conn) cursorAt(tok resource.Token) (*vtabCursor, bool) {
	v, ok := c.reg.Get(tok)
	if !ok {
		return nil, false
	}
	cur, ok := v.(*vtabCursor)
	return cur, ok
}

// hostVtabConnect services vtab_connect(db, modToken, argc, argv, pTokenOut,
// pzErr): run the schema provider, declare the table, and mint the table
// record.
func hostVtabConnect(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	db := uint32(stack[0])
	modTok := resource.Token(uint32(stack[1]))
	argc := uint32(stack[2])
	argv := uint32(stack[3])
	tokOut := uint32(stack[4])
	errOut := uint32(stack[5])

	stack[0] = status(c.vtabConnect(ctx, db, modTok, argc, argv, tokOut, errOut))
}

func (c *Conn) vtabConnect(ctx context.Context, db uint32, modTok resource.Token, argc, argv, tokOut, errOut uint32) errors.Code {
	v, ok := c.reg.Get(modTok)
	if !ok {
		engine.Logger().Warn("vtab connect with stale module token", zap.Uint32("token", uint32(modTok)))
		return errors.CodeError
	}
	mod, ok := v.(Module)
	if !ok {
		engine.Logger().Warn("vtab connect token holds wrong kind", zap.Uint32("token", uint32(modTok)))
		return errors.CodeError
	}

	args, err := c.readCStringArray(argc, argv)
	if err != nil {
		engine.Logger().Warn("read vtab declaration arguments", zap.Error(err))
		return errors.CodeError
	}
	// argv leads with the module, database, and table names; the schema
	// provider sees only the arguments the table declaration added.
	if len(args) > 3 {
		args = args[3:]
	} else {
		args = nil
	}

	cols, err := mod.Schema(args)
	if err != nil {
		c.writeVtabError(ctx, errOut, err.Error())
		return errors.CodeError
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	declPtr, err := c.stageString(list, declareSQL(cols))
	if err != nil {
		engine.Logger().Warn("stage vtab declaration", zap.Error(err))
		return errors.CodeError
	}
	rc, err := c.call(ctx, "sqlite3_declare_vtab", uint64(db), uint64(declPtr))
	if err != nil {
		engine.Logger().Warn("declare vtab", zap.Error(err))
		return errors.CodeError
	}
	if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
		c.writeVtabError(ctx, errOut, c.errmsg(ctx))
		return code
	}

	// The table record holds a back-reference so the module survives until
	// the last table disconnects, even if the engine drops the
	// registration first.
	if err := c.reg.Retain(modTok); err != nil {
		engine.Logger().Warn("retain module for table", zap.Error(err))
		return errors.CodeError
	}
	tabTok, err := c.reg.Put(kindTable, &vtabTable{module: mod, modTok: modTok})
	if err != nil {
		_ = c.reg.Release(modTok)
		engine.Logger().Warn("register table record", zap.Error(err))
		return errors.CodeError
	}
	if err := c.mem.WriteU32(tokOut, uint32(tabTok)); err != nil {
		_ = c.reg.Release(tabTok)
		_ = c.reg.Release(modTok)
		engine.Logger().Warn("store table token", zap.Error(err))
		return errors.CodeError
	}
	return errors.CodeOK
}

// hostVtabBestIndex services vtab_best_index(tabToken, infoPtr): relay the
// planning problem to the module and write its answer back.
func hostVtabBestIndex(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tabTok := resource.Token(uint32(stack[0]))
	info := uint32(stack[1])

	stack[0] = status(c.vtabBestIndex(tabTok, info))
}

func (c *Conn) vtabBestIndex(tabTok resource.Token, info uint32) errors.Code {
	tab, ok := c.tableAt(tabTok)
	if !ok {
		engine.Logger().Warn("best index with stale table token", zap.Uint32("token", uint32(tabTok)))
		return errors.CodeError
	}

	in, err := c.readPlanInput(info)
	if err != nil {
		engine.Logger().Warn("read plan input", zap.Error(err))
		return errors.CodeError
	}
	out, err := tab.module.Plan(in)
	if err != nil {
		engine.Logger().Warn("module plan failed", zap.Error(err))
		return errors.CodeError
	}
	if out == nil {
		out = &PlanOutput{}
	}

	if err := c.mem.WriteU32(info+engine.IdxInfoIdxNum, uint32(int32(out.Index))); err != nil {
		engine.Logger().Warn("write plan index", zap.Error(err))
		return errors.CodeError
	}
	// Constraint usage and order-by consumption stay untouched: the engine
	// re-checks every constraint and sorts the output itself. Every plan is
	// costed as a full scan until real estimates are relayed.
	if err := c.mem.WriteU64(info+engine.IdxInfoEstimatedCost, math.Float64bits(1e6)); err != nil {
		engine.Logger().Warn("write plan cost", zap.Error(err))
		return errors.CodeError
	}
	if err := c.mem.WriteU64(info+engine.IdxInfoEstimatedRows, 1e6); err != nil {
		engine.Logger().Warn("write plan rows", zap.Error(err))
		return errors.CodeError
	}
	return errors.CodeOK
}

func (c *Conn) readPlanInput(info uint32) (*PlanInput, error) {
	nCon, err := c.mem.ReadU32(info + engine.IdxInfoNConstraint)
	if err != nil {
		return nil, err
	}
	aCon, err := c.mem.ReadU32(info + engine.IdxInfoAConstraint)
	if err != nil {
		return nil, err
	}
	nOrd, err := c.mem.ReadU32(info + engine.IdxInfoNOrderBy)
	if err != nil {
		return nil, err
	}
	aOrd, err := c.mem.ReadU32(info + engine.IdxInfoAOrderBy)
	if err != nil {
		return nil, err
	}
	colUsed, err := c.mem.ReadU64(info + engine.IdxInfoColUsed)
	if err != nil {
		return nil, err
	}

	in := &PlanInput{ColUsed: colUsed}
	if nCon > 0 {
		in.Constraints = make([]IndexConstraint, nCon)
	}
	for i := uint32(0); i < nCon; i++ {
		base := aCon + i*engine.ConstraintSize
		col, err := c.mem.ReadU32(base + engine.ConstraintIColumn)
		if err != nil {
			return nil, err
		}
		op, err := c.mem.ReadU8(base + engine.ConstraintOp)
		if err != nil {
			return nil, err
		}
		usable, err := c.mem.ReadU8(base + engine.ConstraintUsable)
		if err != nil {
			return nil, err
		}
		in.Constraints[i] = IndexConstraint{
			Column: int(int32(col)),
			Op:     ConstraintOp(op),
			Usable: usable != 0,
		}
	}
	if nOrd > 0 {
		in.OrderBy = make([]IndexOrderBy, nOrd)
	}
	for i := uint32(0); i < nOrd; i++ {
		base := aOrd + i*engine.OrderBySize
		col, err := c.mem.ReadU32(base + engine.OrderByIColumn)
		if err != nil {
			return nil, err
		}
		desc, err := c.mem.ReadU8(base + engine.OrderByDesc)
		if err != nil {
			return nil, err
		}
		in.OrderBy[i] = IndexOrderBy{Column: int(int32(col)), Desc: desc != 0}
	}
	return in, nil
}

// hostVtabDisconnect services vtab_disconnect(tabToken): drop the table
// record and its module back-reference. Teardown anomalies are logged, not
// surfaced; disconnect cannot fail the engine.
func hostVtabDisconnect(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tabTok := resource.Token(uint32(stack[0]))

	tab, ok := c.tableAt(tabTok)
	if !ok {
		engine.Logger().Warn("disconnect with stale table token", zap.Uint32("token", uint32(tabTok)))
		stack[0] = status(errors.CodeOK)
		return
	}
	if err := c.reg.Release(tab.modTok); err != nil {
		engine.Logger().Warn("release module back-reference", zap.Error(err))
	}
	if err := c.reg.Release(tabTok); err != nil {
		engine.Logger().Warn("release table token", zap.Error(err))
	}
	stack[0] = status(errors.CodeOK)
}

// hostVtabUpdate services vtab_update(tabToken, argc, argv, pRowidOut): one
// INSERT, UPDATE, or DELETE against the table.
func hostVtabUpdate(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tabTok := resource.Token(uint32(stack[0]))
	argc := uint32(stack[1])
	argv := uint32(stack[2])
	rowidOut := uint32(stack[3])

	stack[0] = status(c.vtabUpdate(ctx, tabTok, argc, argv, rowidOut))
}

func (c *Conn) vtabUpdate(ctx context.Context, tabTok resource.Token, argc, argv, rowidOut uint32) errors.Code {
	tab, ok := c.tableAt(tabTok)
	if !ok {
		engine.Logger().Warn("update with stale table token", zap.Uint32("token", uint32(tabTok)))
		return errors.CodeError
	}
	mut, ok := tab.module.(Mutator)
	if !ok {
		return errors.CodeReadOnly
	}

	args, err := c.readArgs(ctx, errors.PhaseMutate, argc, argv)
	if err != nil {
		engine.Logger().Warn("lift mutation arguments", zap.Error(err))
		return errors.CodeError
	}
	if len(args) == 0 {
		engine.Logger().Warn("mutation with empty argument vector")
		return errors.CodeError
	}

	// The argument vector's shape selects the mutation: a lone rowid is a
	// delete, a null leading slot is an insert, anything else an update.
	var m Mutation
	switch {
	case len(args) == 1:
		m = Mutation{Kind: MutationDelete, RowID: args[0].Int64()}
	case args[0].IsNull():
		m = Mutation{Kind: MutationInsert, Values: values(args, 2)}
		if len(args) > 1 && !args[1].IsNull() {
			m.HasRowID = true
			m.RowID = args[1].Int64()
		}
	default:
		m = Mutation{
			Kind:   MutationUpdate,
			RowID:  args[0].Int64(),
			Values: values(args, 2),
		}
		if !args[1].IsNull() {
			m.NewRowID = args[1].Int64()
		} else {
			m.NewRowID = m.RowID
		}
	}

	rowid, err := mut.Mutate(m)
	if err != nil {
		engine.Logger().Warn("module mutation failed",
			zap.String("kind", m.Kind.String()), zap.Error(err))
		return errors.CodeError
	}
	if m.Kind == MutationInsert {
		if err := c.mem.WriteU64(rowidOut, uint64(rowid)); err != nil {
			engine.Logger().Warn("store insert rowid", zap.Error(err))
			return errors.CodeError
		}
	}
	return errors.CodeOK
}

// hostCursorOpen services cursor_open(tabToken, pTokenOut): mint a cursor
// record holding a table back-reference. No module capability runs until
// the first filter.
func hostCursorOpen(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tabTok := resource.Token(uint32(stack[0]))
	tokOut := uint32(stack[1])

	stack[0] = status(c.cursorOpen(tabTok, tokOut))
}

func (c *Conn) cursorOpen(tabTok resource.Token, tokOut uint32) errors.Code {
	tab, ok := c.tableAt(tabTok)
	if !ok {
		engine.Logger().Warn("cursor open with stale table token", zap.Uint32("token", uint32(tabTok)))
		return errors.CodeError
	}
	if err := c.reg.Retain(tabTok); err != nil {
		engine.Logger().Warn("retain table for cursor", zap.Error(err))
		return errors.CodeError
	}
	curTok, err := c.reg.Put(kindCursor, &vtabCursor{table: tab, tableTok: tabTok})
	if err != nil {
		_ = c.reg.Release(tabTok)
		engine.Logger().Warn("register cursor record", zap.Error(err))
		return errors.CodeError
	}
	if err := c.mem.WriteU32(tokOut, uint32(curTok)); err != nil {
		_ = c.reg.Release(curTok)
		_ = c.reg.Release(tabTok)
		engine.Logger().Warn("store cursor token", zap.Error(err))
		return errors.CodeError
	}
	return errors.CodeOK
}

// hostCursorFilter services cursor_filter(curToken, idxNum, idxStr, argc,
// argv): start or restart the scan. A refilter replaces the scan state
// outright; the displaced state is released, never mutated.
func hostCursorFilter(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))
	idxNum := int(int32(uint32(stack[1])))
	// stack[2] is the plan string, which this bridge never populates.
	argc := uint32(stack[3])
	argv := uint32(stack[4])

	stack[0] = status(c.cursorFilter(ctx, curTok, idxNum, argc, argv))
}

func (c *Conn) cursorFilter(ctx context.Context, curTok resource.Token, idxNum int, argc, argv uint32) errors.Code {
	cur, ok := c.cursorAt(curTok)
	if !ok {
		engine.Logger().Warn("filter with stale cursor token", zap.Uint32("token", uint32(curTok)))
		return errors.CodeError
	}

	args, err := c.readArgs(ctx, errors.PhaseCursor, argc, argv)
	if err != nil {
		engine.Logger().Warn("lift filter arguments", zap.Error(err))
		return errors.CodeError
	}
	state, err := cur.table.module.Open(idxNum, args)
	if err != nil {
		engine.Logger().Warn("module open failed", zap.Error(err))
		return errors.CodeError
	}

	return c.replaceScanState(cur, state)
}

// replaceScanState pins the new state before the old one is released, so a
// put failure leaves the cursor on its previous scan.
func (c *Conn) replaceScanState(cur *vtabCursor, state any) errors.Code {
	newTok, err := c.reg.Put(kindState, state)
	if err != nil {
		engine.Logger().Warn("register scan state", zap.Error(err))
		return errors.CodeError
	}
	old := cur.stateTok
	cur.stateTok = newTok
	cur.filtered = true
	if old != 0 {
		if err := c.reg.Release(old); err != nil {
			engine.Logger().Warn("release displaced scan state", zap.Error(err))
		}
	}
	return errors.CodeOK
}

// hostCursorNext services cursor_next(curToken): advance the scan one row.
func hostCursorNext(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))

	stack[0] = status(c.cursorNext(curTok))
}

func (c *Conn) cursorNext(curTok resource.Token) errors.Code {
	cur, ok := c.cursorAt(curTok)
	if !ok || !cur.filtered {
		engine.Logger().Warn("next on unfiltered cursor", zap.Uint32("token", uint32(curTok)))
		return errors.CodeError
	}
	state, _ := c.reg.Get(cur.stateTok)
	next, err := cur.table.module.Next(state)
	if err != nil {
		engine.Logger().Warn("module next failed", zap.Error(err))
		return errors.CodeError
	}
	return c.replaceScanState(cur, next)
}

// hostCursorEOF services cursor_eof(curToken). The result is the EOF flag,
// not a status: there is no error channel here, so a failing EOF capability
// reports end-of-scan and logs the cause. An unfiltered cursor is at EOF.
func hostCursorEOF(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))

	cur, ok := c.cursorAt(curTok)
	if !ok || !cur.filtered {
		stack[0] = 1
		return
	}
	state, _ := c.reg.Get(cur.stateTok)
	eof, err := cur.table.module.EOF(state)
	if err != nil {
		engine.Logger().Warn("module eof failed", zap.Error(err))
		stack[0] = 1
		return
	}
	if eof {
		stack[0] = 1
	} else {
		stack[0] = 0
	}
}

// hostCursorColumn services cursor_column(curToken, ctx, col): lower one
// column of the current row into the result context.
func hostCursorColumn(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))
	ctxPtr := uint32(stack[1])
	col := int(int32(uint32(stack[2])))

	stack[0] = status(c.cursorColumn(ctx, curTok, ctxPtr, col))
}

func (c *Conn) cursorColumn(ctx context.Context, curTok resource.Token, ctxPtr uint32, col int) errors.Code {
	cur, ok := c.cursorAt(curTok)
	if !ok || !cur.filtered {
		engine.Logger().Warn("column on unfiltered cursor", zap.Uint32("token", uint32(curTok)))
		return errors.CodeError
	}
	state, _ := c.reg.Get(cur.stateTok)
	v, err := cur.table.module.Column(state, col)
	if err != nil {
		engine.Logger().Warn("module column failed", zap.Int("col", col), zap.Error(err))
		c.resultError(ctx, ctxPtr, "virtual table column failed")
		return errors.CodeError
	}
	if err := c.resultValue(ctx, ctxPtr, v); err != nil {
		engine.Logger().Warn("lower column value", zap.Error(err))
		c.resultError(ctx, ctxPtr, "result conversion failed")
		return errors.CodeError
	}
	return errors.CodeOK
}

// hostCursorRowid services cursor_rowid(curToken, pRowidOut).
func hostCursorRowid(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))
	rowidOut := uint32(stack[1])

	stack[0] = status(c.cursorRowid(curTok, rowidOut))
}

func (c *Conn) cursorRowid(curTok resource.Token, rowidOut uint32) errors.Code {
	cur, ok := c.cursorAt(curTok)
	if !ok || !cur.filtered {
		engine.Logger().Warn("rowid on unfiltered cursor", zap.Uint32("token", uint32(curTok)))
		return errors.CodeError
	}
	state, _ := c.reg.Get(cur.stateTok)
	id, err := cur.table.module.RowID(state)
	if err != nil {
		engine.Logger().Warn("module rowid failed", zap.Error(err))
		return errors.CodeError
	}
	if err := c.mem.WriteU64(rowidOut, uint64(id)); err != nil {
		engine.Logger().Warn("store rowid", zap.Error(err))
		return errors.CodeError
	}
	return errors.CodeOK
}

// hostCursorClose services cursor_close(curToken): run the module's scan
// teardown, then unwind the cursor's registry state. Close never fails the
// engine; teardown anomalies are logged.
func hostCursorClose(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	curTok := resource.Token(uint32(stack[0]))

	cur, ok := c.cursorAt(curTok)
	if !ok {
		engine.Logger().Warn("close with stale cursor token", zap.Uint32("token", uint32(curTok)))
		stack[0] = status(errors.CodeOK)
		return
	}
	if cur.stateTok != 0 {
		state, _ := c.reg.Get(cur.stateTok)
		if err := cur.table.module.Close(state); err != nil {
			engine.Logger().Warn("module close failed", zap.Error(err))
		}
		if err := c.reg.Release(cur.stateTok); err != nil {
			engine.Logger().Warn("release scan state", zap.Error(err))
		}
		cur.stateTok = 0
	}
	if err := c.reg.Release(cur.tableTok); err != nil {
		engine.Logger().Warn("release table back-reference", zap.Error(err))
	}
	if err := c.reg.Release(curTok); err != nil {
		engine.Logger().Warn("release cursor token", zap.Error(err))
	}
	stack[0] = status(errors.CodeOK)
}

// status packs an engine result code into a host function result slot.
func status(code errors.Code) uint64 {
	return uint64(uint32(int32(code)))
}

func values(args []Value, from int) []Value {
	if len(args) <= from {
		return nil
	}
	return args[from:]
}

// writeVtabError parks msg in the engine-owned error slot. The buffer comes
// from the engine allocator and ownership transfers with the store: the
// engine frees it after reporting.
func (c *Conn) writeVtabError(ctx context.Context, errOut uint32, msg string) {
	if errOut == 0 || msg == "" {
		return
	}
	ptr, err := c.alloc.Alloc(uint32(len(msg)) + 1)
	if err != nil {
		engine.Logger().Warn("allocate vtab error text", zap.Error(err))
		return
	}
	if err := c.mem.Write(ptr, []byte(msg)); err != nil {
		c.alloc.Free(ptr)
		engine.Logger().Warn("write vtab error text", zap.Error(err))
		return
	}
	if err := c.mem.WriteU8(ptr+uint32(len(msg)), 0); err != nil {
		c.alloc.Free(ptr)
		engine.Logger().Warn("write vtab error text", zap.Error(err))
		return
	}
	if err := c.mem.WriteU32(errOut, ptr); err != nil {
		c.alloc.Free(ptr)
		engine.Logger().Warn("store vtab error text", zap.Error(err))
	}
}

// readCStringArray lifts an argv-style array of C string pointers.
func (c *Conn) readCStringArray(argc, argv uint32) ([]string, error) {
	out := make([]string, argc)
	for i := uint32(0); i < argc; i++ {
		p, err := c.mem.ReadU32(argv + 4*i)
		if err != nil {
			return nil, err
		}
		s, err := readCString(c.mem, p)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// declareSQL builds the declaration handed to sqlite3_declare_vtab. Column
// names are quoted; declared types pass through verbatim.
func declareSQL(cols []Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE x(")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(col.Name, `"`, `""`))
		b.WriteByte('"')
		if col.Type != "" {
			b.WriteByte(' ')
			b.WriteString(col.Type)
		}
	}
	b.WriteByte(')')
	return b.String()
}
