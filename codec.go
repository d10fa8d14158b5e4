package quarry

import (
	"context"
	"fmt"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
)

// readCString reads a NUL-terminated string from guest memory. A NULL
// pointer reads as "".
func readCString(mem engine.Memory, ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	var buf []byte
	for off := ptr; ; off++ {
		b, err := mem.ReadU8(off)
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// readValue lifts one engine value handle into a host Value. Text and blob
// payloads are copied out of guest memory before returning, so the Value
// stays valid after the engine reclaims the handle.
func (c *Conn) readValue(ctx context.Context, phase errors.Phase, valPtr uint32) (Value, error) {
	typ, err := c.call(ctx, "sqlite3_value_type", uint64(valPtr))
	if err != nil {
		return Value{}, err
	}
	switch typ {
	case engine.TypeInteger:
		n, err := c.call(ctx, "sqlite3_value_int64", uint64(valPtr))
		if err != nil {
			return Value{}, err
		}
		return Integer(int64(n)), nil
	case engine.TypeFloat:
		bits, err := c.call(ctx, "sqlite3_value_double", uint64(valPtr))
		if err != nil {
			return Value{}, err
		}
		// Keep the raw bits so NaN payloads survive the lift.
		return Value{typ: TypeReal, num: bits}, nil
	case engine.TypeText:
		data, err := c.readValueBytes(ctx, valPtr, "sqlite3_value_text")
		if err != nil {
			return Value{}, err
		}
		if err := errors.ValidText(phase, data); err != nil {
			return Value{}, err
		}
		return Value{typ: TypeText, text: string(data)}, nil
	case engine.TypeBlob:
		data, err := c.readValueBytes(ctx, valPtr, "sqlite3_value_blob")
		if err != nil {
			return Value{}, err
		}
		return Value{typ: TypeBlob, blob: data}, nil
	case engine.TypeNull:
		return Null(), nil
	default:
		panic(fmt.Sprintf("quarry: engine value type %d out of range", typ))
	}
}

// readValueBytes copies a text or blob payload out of guest memory. The
// pointer fetch must precede the length fetch: sqlite3_value_bytes after
// sqlite3_value_text reports the length of the text representation.
func (c *Conn) readValueBytes(ctx context.Context, valPtr uint32, fetch string) ([]byte, error) {
	ptr, err := c.call(ctx, fetch, uint64(valPtr))
	if err != nil {
		return nil, err
	}
	n, err := c.call(ctx, "sqlite3_value_bytes", uint64(valPtr))
	if err != nil {
		return nil, err
	}
	if n == 0 || ptr == 0 {
		return []byte{}, nil
	}
	view, err := c.mem.Read(uint32(ptr), uint32(n))
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(view))
	copy(data, view)
	return data, nil
}

// typeFromEngine maps an engine storage class code to a Type.
func typeFromEngine(code uint32) Type {
	switch code {
	case engine.TypeInteger:
		return TypeInteger
	case engine.TypeFloat:
		return TypeReal
	case engine.TypeText:
		return TypeText
	case engine.TypeBlob:
		return TypeBlob
	case engine.TypeNull:
		return TypeNull
	default:
		panic(fmt.Sprintf("quarry: engine value type %d out of range", code))
	}
}

// readColumn lifts one result column of the current row, preserving its
// storage class the same way readValue preserves a value handle's.
func (c *Conn) readColumn(ctx context.Context, stmt uint32, col int) (Value, error) {
	t, err := c.call(ctx, "sqlite3_column_type", uint64(stmt), uint64(uint32(col)))
	if err != nil {
		return Value{}, err
	}
	switch uint32(t) {
	case engine.TypeInteger:
		v, err := c.call(ctx, "sqlite3_column_int64", uint64(stmt), uint64(uint32(col)))
		if err != nil {
			return Value{}, err
		}
		return Integer(int64(v)), nil
	case engine.TypeFloat:
		bits, err := c.call(ctx, "sqlite3_column_double", uint64(stmt), uint64(uint32(col)))
		if err != nil {
			return Value{}, err
		}
		return Value{typ: TypeReal, num: bits}, nil
	case engine.TypeText:
		data, err := c.readColumnBytes(ctx, stmt, col, "sqlite3_column_text")
		if err != nil {
			return Value{}, err
		}
		if err := errors.ValidText(errors.PhaseColumn, data); err != nil {
			return Value{}, err
		}
		return Value{typ: TypeText, text: string(data)}, nil
	case engine.TypeBlob:
		data, err := c.readColumnBytes(ctx, stmt, col, "sqlite3_column_blob")
		if err != nil {
			return Value{}, err
		}
		return Value{typ: TypeBlob, blob: data}, nil
	case engine.TypeNull:
		return Null(), nil
	default:
		panic(fmt.Sprintf("quarry: engine value type %d out of range", uint32(t)))
	}
}

// readColumnBytes copies a text or blob column payload out of guest memory,
// with the same pointer-before-length ordering as readValueBytes.
func (c *Conn) readColumnBytes(ctx context.Context, stmt uint32, col int, fetch string) ([]byte, error) {
	ptr, err := c.call(ctx, fetch, uint64(stmt), uint64(uint32(col)))
	if err != nil {
		return nil, err
	}
	n, err := c.call(ctx, "sqlite3_column_bytes", uint64(stmt), uint64(uint32(col)))
	if err != nil {
		return nil, err
	}
	if n == 0 || ptr == 0 {
		return []byte{}, nil
	}
	view, err := c.mem.Read(uint32(ptr), uint32(n))
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(view))
	copy(data, view)
	return data, nil
}

// readArgs lifts an engine argument vector (an array of value handles) in
// positional order. Each element converts independently.
func (c *Conn) readArgs(ctx context.Context, phase errors.Phase, argc, argv uint32) ([]Value, error) {
	args := make([]Value, argc)
	for i := uint32(0); i < argc; i++ {
		p, err := c.mem.ReadU32(argv + 4*i)
		if err != nil {
			return nil, err
		}
		v, err := c.readValue(ctx, phase, p)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// stageBytes copies data into a fresh guest allocation with a NUL
// terminator, so one staging shape serves length-counted payloads and C
// strings alike. The allocation is recorded on list for release.
func (c *Conn) stageBytes(list *engine.AllocationList, data []byte) (uint32, error) {
	ptr, err := c.alloc.Alloc(uint32(len(data)) + 1)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseExec, uint64(len(data))+1)
	}
	list.Add(ptr)
	if len(data) > 0 {
		if err := c.mem.Write(ptr, data); err != nil {
			return 0, err
		}
	}
	if err := c.mem.WriteU8(ptr+uint32(len(data)), 0); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (c *Conn) stageString(list *engine.AllocationList, s string) (uint32, error) {
	return c.stageBytes(list, []byte(s))
}

// resultValue lowers v into the result sink of a function context. Text and
// blob payloads are staged with the transient destructor, so the engine
// copies them during the call and the staging is freed immediately after.
func (c *Conn) resultValue(ctx context.Context, ctxPtr uint32, v Value) error {
	switch v.typ {
	case TypeNull:
		_, err := c.call(ctx, "sqlite3_result_null", uint64(ctxPtr))
		return err
	case TypeInteger:
		_, err := c.call(ctx, "sqlite3_result_int64", uint64(ctxPtr), v.num)
		return err
	case TypeReal:
		_, err := c.call(ctx, "sqlite3_result_double", uint64(ctxPtr), v.num)
		return err
	case TypeText:
		if err := errors.ValidText(errors.PhaseFunction, []byte(v.text)); err != nil {
			return err
		}
		list := engine.NewAllocationList()
		defer list.FreeAndRelease(c.alloc)
		ptr, err := c.stageString(list, v.text)
		if err != nil {
			return err
		}
		_, err = c.call(ctx, "sqlite3_result_text",
			uint64(ctxPtr), uint64(ptr), uint64(len(v.text)), engine.Transient)
		return err
	case TypeBlob:
		list := engine.NewAllocationList()
		defer list.FreeAndRelease(c.alloc)
		ptr, err := c.stageBytes(list, v.blob)
		if err != nil {
			return err
		}
		_, err = c.call(ctx, "sqlite3_result_blob",
			uint64(ctxPtr), uint64(ptr), uint64(len(v.blob)), engine.Transient)
		return err
	default:
		panic(fmt.Sprintf("quarry: value tag %d out of range", v.typ))
	}
}

// resultError reports msg as the statement error for a function context.
// Failures here have no further channel and fall back to the no-memory
// report.
func (c *Conn) resultError(ctx context.Context, ctxPtr uint32, msg string) {
	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	ptr, err := c.stageString(list, msg)
	if err != nil {
		_, _ = c.call(ctx, "sqlite3_result_error_nomem", uint64(ctxPtr))
		return
	}
	_, _ = c.call(ctx, "sqlite3_result_error", uint64(ctxPtr), uint64(ptr), uint64(len(msg)))
}

// bindValue lowers v into statement parameter idx (1-based) with the same
// transient staging rule as resultValue.
func (c *Conn) bindValue(ctx context.Context, stmt uint32, idx int, v Value) error {
	var rc uint64
	var err error
	switch v.typ {
	case TypeNull:
		rc, err = c.call(ctx, "sqlite3_bind_null", uint64(stmt), uint64(uint32(idx)))
	case TypeInteger:
		rc, err = c.call(ctx, "sqlite3_bind_int64", uint64(stmt), uint64(uint32(idx)), v.num)
	case TypeReal:
		rc, err = c.call(ctx, "sqlite3_bind_double", uint64(stmt), uint64(uint32(idx)), v.num)
	case TypeText:
		if err := errors.ValidText(errors.PhaseBind, []byte(v.text)); err != nil {
			return err
		}
		list := engine.NewAllocationList()
		defer list.FreeAndRelease(c.alloc)
		var ptr uint32
		ptr, err = c.stageString(list, v.text)
		if err != nil {
			return err
		}
		rc, err = c.call(ctx, "sqlite3_bind_text",
			uint64(stmt), uint64(uint32(idx)), uint64(ptr), uint64(len(v.text)), engine.Transient)
	case TypeBlob:
		list := engine.NewAllocationList()
		defer list.FreeAndRelease(c.alloc)
		var ptr uint32
		ptr, err = c.stageBytes(list, v.blob)
		if err != nil {
			return err
		}
		rc, err = c.call(ctx, "sqlite3_bind_blob",
			uint64(stmt), uint64(uint32(idx)), uint64(ptr), uint64(len(v.blob)), engine.Transient)
	default:
		panic(fmt.Sprintf("quarry: value tag %d out of range", v.typ))
	}
	if err != nil {
		return err
	}
	return c.rcErr(ctx, errors.PhaseBind, rc)
}
