package quarry

import (
	"context"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// ScalarFunc is the host side of an SQL scalar function. It receives the
// call's arguments already lifted into Values and returns the result. An
// error fails the SQL statement with a generic function error; the cause is
// logged, not relayed into the engine.
type ScalarFunc func(args []Value) (Value, error)

// AggregateFunc is the host side of an SQL aggregate. Init mints a fresh
// accumulator per aggregation (nil Init starts from a nil accumulator),
// Step folds one row in and returns the accumulator to carry forward, and
// Final produces the result.
//
// A failed Init poisons the aggregation: every later Step is skipped and
// Final never runs, leaving the aggregate null. A failed Step errors the
// statement but keeps the previous accumulator.
type AggregateFunc struct {
	Init  func() (any, error)
	Step  func(acc any, args []Value) (any, error)
	Final func(acc any) (Value, error)
}

type funcOptions struct {
	flags uint32
}

// FuncOption adjusts a function registration.
type FuncOption func(*funcOptions)

// Deterministic declares that the function always produces the same result
// for the same arguments, letting the engine factor calls out of loops and
// use the function in indexes.
func Deterministic() FuncOption {
	return func(o *funcOptions) { o.flags |= engine.Deterministic }
}

// CreateFunction registers fn as the SQL function name with nArg
// parameters. nArg of -1 accepts any argument count. Registering again
// under the same name and arity replaces the previous function; its pinned
// callback is released when the engine drops the old registration.
func (c *Conn) CreateFunction(ctx context.Context, name string, nArg int, fn ScalarFunc, opts ...FuncOption) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseFunction, "nil scalar function")
	}
	ctx, done, err := c.enter(ctx, errors.PhaseFunction)
	if err != nil {
		return err
	}
	defer done()
	return c.createFunction(ctx, name, nArg, kindScalar, fn, false, opts)
}

// CreateAggregate registers agg as the SQL aggregate name with nArg
// parameters. Step and Final are required; Init is optional.
func (c *Conn) CreateAggregate(ctx context.Context, name string, nArg int, agg AggregateFunc, opts ...FuncOption) error {
	if agg.Step == nil || agg.Final == nil {
		return errors.InvalidInput(errors.PhaseFunction, "aggregate requires Step and Final")
	}
	ctx, done, err := c.enter(ctx, errors.PhaseFunction)
	if err != nil {
		return err
	}
	defer done()
	return c.createFunction(ctx, name, nArg, kindAggregate, agg, true, opts)
}

func (c *Conn) createFunction(ctx context.Context, name string, nArg int, kind resource.Kind, impl any, isAgg bool, opts []FuncOption) error {
	o := funcOptions{flags: engine.UTF8}
	for _, opt := range opts {
		opt(&o)
	}

	tok, err := c.reg.Put(kind, impl)
	if err != nil {
		return errors.HostFailure(errors.PhaseFunction, err)
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	namePtr, err := c.stageString(list, name)
	if err != nil {
		_ = c.reg.Release(tok)
		return err
	}

	aggFlag := uint64(0)
	if isAgg {
		aggFlag = 1
	}
	rc, err := c.call(ctx, engine.FnCreateFunction,
		uint64(c.db), uint64(namePtr), uint64(uint32(int32(nArg))), uint64(o.flags), uint64(tok), aggFlag)
	if err != nil {
		_ = c.reg.Release(tok)
		return err
	}
	if cerr := c.rcErr(ctx, errors.PhaseFunction, rc); cerr != nil {
		// Registration never reached the engine; the destroy trampoline
		// will not fire for this token.
		_ = c.reg.Release(tok)
		return cerr
	}
	return nil
}

// hostFuncInvoke services func_invoke(ctx, token, argc, argv): one scalar
// function call.
func hostFuncInvoke(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	ctxPtr := uint32(stack[0])
	tok := resource.Token(uint32(stack[1]))
	argc := uint32(stack[2])
	argv := uint32(stack[3])

	v, ok := c.reg.Get(tok)
	if !ok {
		c.resultError(ctx, ctxPtr, "stale function token")
		return
	}
	fn, ok := v.(ScalarFunc)
	if !ok {
		c.resultError(ctx, ctxPtr, "token does not hold a scalar function")
		return
	}

	args, err := c.readArgs(ctx, errors.PhaseFunction, argc, argv)
	if err != nil {
		engine.Logger().Warn("lift scalar arguments", zap.Error(err))
		c.resultError(ctx, ctxPtr, "argument conversion failed")
		return
	}

	res, err := fn(args)
	if err != nil {
		// Host failures cross the boundary as a generic signal; the cause
		// stays on the host side of the log.
		engine.Logger().Warn("scalar function failed", zap.Error(err))
		c.resultError(ctx, ctxPtr, "scalar function failed")
		return
	}
	if err := c.resultValue(ctx, ctxPtr, res); err != nil {
		engine.Logger().Warn("lower scalar result", zap.Error(err))
		c.resultError(ctx, ctxPtr, "result conversion failed")
	}
}

// hostFuncDestroy services func_destroy(token): the engine dropped a
// function registration, so the pinned callback is released.
func hostFuncDestroy(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	tok := resource.Token(uint32(stack[0]))
	if err := c.reg.Release(tok); err != nil {
		engine.Logger().Warn("release function token",
			zap.Uint32("token", uint32(tok)), zap.Error(err))
	}
}

// hostAggStep services agg_step(ctx, token, argc, argv): one row folded
// into an aggregation. The accumulator's registry token rides in the
// engine's per-aggregation slot.
func hostAggStep(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	ctxPtr := uint32(stack[0])
	tok := resource.Token(uint32(stack[1]))
	argc := uint32(stack[2])
	argv := uint32(stack[3])

	slot, err := c.call(ctx, "sqlite3_aggregate_context", uint64(ctxPtr), uint64(engine.AggSlotSize))
	if err != nil {
		engine.Logger().Warn("aggregate slot", zap.Error(err))
		c.resultError(ctx, ctxPtr, "aggregate context unavailable")
		return
	}
	if slot == 0 {
		_, _ = c.call(ctx, "sqlite3_result_error_nomem", uint64(ctxPtr))
		return
	}
	slotTok, flags, err := c.readAggSlot(uint32(slot))
	if err != nil {
		engine.Logger().Warn("read aggregate slot", zap.Error(err))
		c.resultError(ctx, ctxPtr, "aggregate context unavailable")
		return
	}
	if flags&engine.AggFlagInitFailed != 0 {
		return
	}

	v, ok := c.reg.Get(tok)
	if !ok {
		c.resultError(ctx, ctxPtr, "stale aggregate token")
		return
	}
	agg, ok := v.(AggregateFunc)
	if !ok {
		c.resultError(ctx, ctxPtr, "token does not hold an aggregate")
		return
	}

	var acc any
	accTok := resource.Token(slotTok)
	if accTok == 0 {
		// First row of this aggregation: mint the accumulator. An Init
		// failure poisons the aggregation instead of erroring the
		// statement, leaving the aggregate null.
		if agg.Init != nil {
			acc, err = agg.Init()
			if err != nil {
				engine.Logger().Warn("aggregate init failed", zap.Error(err))
				if werr := c.mem.WriteU32(uint32(slot)+engine.AggSlotFlags, flags|engine.AggFlagInitFailed); werr != nil {
					engine.Logger().Warn("poison aggregate slot", zap.Error(werr))
				}
				return
			}
		}
		accTok, err = c.reg.Put(kindAccumulator, acc)
		if err != nil {
			c.resultError(ctx, ctxPtr, "accumulator registration failed")
			return
		}
		if err := c.mem.WriteU32(uint32(slot)+engine.AggSlotToken, uint32(accTok)); err != nil {
			engine.Logger().Warn("store accumulator token", zap.Error(err))
			_ = c.reg.Release(accTok)
			c.resultError(ctx, ctxPtr, "aggregate context unavailable")
			return
		}
	} else {
		acc, _ = c.reg.Get(accTok)
	}

	args, err := c.readArgs(ctx, errors.PhaseAggregate, argc, argv)
	if err != nil {
		engine.Logger().Warn("lift aggregate arguments", zap.Error(err))
		c.resultError(ctx, ctxPtr, "argument conversion failed")
		return
	}

	next, err := agg.Step(acc, args)
	if err != nil {
		// The previous accumulator stays current so the aggregation can
		// continue if the statement swallows the error.
		engine.Logger().Warn("aggregate step failed", zap.Error(err))
		c.resultError(ctx, ctxPtr, "aggregate step failed")
		return
	}

	// Retain the new accumulator before releasing the old one.
	nextTok, err := c.reg.Put(kindAccumulator, next)
	if err != nil {
		c.resultError(ctx, ctxPtr, "accumulator registration failed")
		return
	}
	if err := c.mem.WriteU32(uint32(slot)+engine.AggSlotToken, uint32(nextTok)); err != nil {
		engine.Logger().Warn("store accumulator token", zap.Error(err))
		_ = c.reg.Release(nextTok)
		c.resultError(ctx, ctxPtr, "aggregate context unavailable")
		return
	}
	_ = c.reg.Release(accTok)
}

// hostAggFinal services agg_final(ctx, token): the aggregation is complete.
// The accumulator is released unconditionally once Final has run.
func hostAggFinal(ctx context.Context, stack []uint64) {
	c := connFrom(ctx)
	ctxPtr := uint32(stack[0])
	tok := resource.Token(uint32(stack[1]))

	// Size zero fetches the slot without allocating; no slot means no row
	// ever stepped, and the aggregate stays null.
	slot, err := c.call(ctx, "sqlite3_aggregate_context", uint64(ctxPtr), 0)
	if err != nil {
		engine.Logger().Warn("aggregate slot", zap.Error(err))
		return
	}
	if slot == 0 {
		return
	}
	slotTok, flags, err := c.readAggSlot(uint32(slot))
	if err != nil {
		engine.Logger().Warn("read aggregate slot", zap.Error(err))
		return
	}
	if flags&engine.AggFlagInitFailed != 0 || slotTok == 0 {
		return
	}
	accTok := resource.Token(slotTok)

	v, ok := c.reg.Get(tok)
	if !ok {
		_ = c.reg.Release(accTok)
		c.resultError(ctx, ctxPtr, "stale aggregate token")
		return
	}
	agg, ok := v.(AggregateFunc)
	if !ok {
		_ = c.reg.Release(accTok)
		c.resultError(ctx, ctxPtr, "token does not hold an aggregate")
		return
	}
	acc, _ := c.reg.Get(accTok)

	res, err := agg.Final(acc)
	_ = c.reg.Release(accTok)
	if err != nil {
		engine.Logger().Warn("aggregate final failed", zap.Error(err))
		c.resultError(ctx, ctxPtr, "aggregate final failed")
		return
	}
	if err := c.resultValue(ctx, ctxPtr, res); err != nil {
		engine.Logger().Warn("lower aggregate result", zap.Error(err))
		c.resultError(ctx, ctxPtr, "result conversion failed")
	}
}

func (c *Conn) readAggSlot(slot uint32) (tok, flags uint32, err error) {
	tok, err = c.mem.ReadU32(slot + engine.AggSlotToken)
	if err != nil {
		return 0, 0, err
	}
	flags, err = c.mem.ReadU32(slot + engine.AggSlotFlags)
	if err != nil {
		return 0, 0, err
	}
	return tok, flags, nil
}
