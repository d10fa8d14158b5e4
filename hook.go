package quarry

import (
	"context"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// UpdateOp identifies which kind of row mutation fired an update hook.
type UpdateOp uint8

const (
	OpInsert UpdateOp = iota
	OpDelete
	OpUpdate
)

func (op UpdateOp) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// UpdateHook observes row mutations on rowid tables as they happen. It runs
// on the goroutine executing the mutating statement, inside the engine
// call; it must not use the connection. A returned error is logged and
// discarded, never surfaced to the statement.
type UpdateHook func(op UpdateOp, table string, rowid int64) error

// SetUpdateHook installs hook, replacing any previous one. The displaced
// hook's pinned state is released immediately. A nil hook clears.
func (c *Conn) SetUpdateHook(ctx context.Context, hook UpdateHook) error {
	if hook == nil {
		return c.ClearUpdateHook(ctx)
	}
	ctx, done, err := c.enter(ctx, errors.PhaseHook)
	if err != nil {
		return err
	}
	defer done()

	tok, err := c.reg.Put(kindHook, hook)
	if err != nil {
		return errors.HostFailure(errors.PhaseHook, err)
	}
	prev, err := c.call(ctx, engine.FnUpdateHook, uint64(c.db), uint64(tok))
	if err != nil {
		_ = c.reg.Release(tok)
		return err
	}
	c.releaseHookToken(prev)
	return nil
}

// ClearUpdateHook removes the installed update hook, releasing its pinned
// state. Clearing with no hook installed is a no-op.
func (c *Conn) ClearUpdateHook(ctx context.Context) error {
	ctx, done, err := c.enter(ctx, errors.PhaseHook)
	if err != nil {
		return err
	}
	defer done()

	prev, err := c.call(ctx, engine.FnUpdateHook, uint64(c.db), 0)
	if err != nil {
		return err
	}
	c.releaseHookToken(prev)
	return nil
}

func (c *Conn) releaseHookToken(prev uint64) {
	tok := resource.Token(uint32(prev))
	if tok == 0 {
		return
	}
	if err := c.reg.Release(tok); err != nil {
		engine.Logger().Warn("release update hook token",
			zap.Uint32("token", uint32(tok)), zap.Error(err))
	}
}

// hostUpdateHook services update_hook(token, op, dbName, tblName, rowid).
// An unrecognized operation code is logged and dropped rather than
// surfacing a bogus event.
func hostUpdateHook(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tok := resource.Token(uint32(stack[0]))
	opCode := uint32(stack[1])
	tblPtr := uint32(stack[3])
	rowid := int64(stack[4])

	v, ok := c.reg.Get(tok)
	if !ok {
		engine.Logger().Warn("update hook fired for stale token", zap.Uint32("token", uint32(tok)))
		return
	}
	hook, ok := v.(UpdateHook)
	if !ok {
		engine.Logger().Warn("update hook token holds wrong kind", zap.Uint32("token", uint32(tok)))
		return
	}

	var op UpdateOp
	switch opCode {
	case engine.OpInsert:
		op = OpInsert
	case engine.OpDelete:
		op = OpDelete
	case engine.OpUpdate:
		op = OpUpdate
	default:
		engine.Logger().Warn("update hook with unknown operation", zap.Uint32("op", opCode))
		return
	}

	table, err := readCString(c.mem, tblPtr)
	if err != nil {
		engine.Logger().Warn("read update hook table name", zap.Error(err))
		return
	}
	if err := hook(op, table, rowid); err != nil {
		engine.Logger().Warn("update hook failed",
			zap.String("op", op.String()),
			zap.String("table", table),
			zap.Int64("rowid", rowid),
			zap.Error(err))
	}
}
