package quarry

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// The tests in this package run the bridge against an in-process stand-in
// for the engine instance. Exports are faked one by one per test, so each
// test pins down the exact call sequence and memory traffic it expects.

// allocBase is where the fake allocator's arena starts. Everything below
// it is fixture space for payloads the engine itself would own.
const allocBase = 0x8000

// fakeMemory implements engine.Memory over a plain slice. Read returns
// views into the backing slice, matching the aliasing contract of the
// wazero-backed implementation.
type fakeMemory struct {
	data []byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make([]byte, 1<<20)}
}

func (m *fakeMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return m.data[offset : offset+length], nil
}

func (m *fakeMemory) Write(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *fakeMemory) ReadU8(offset uint32) (uint8, error) {
	b, err := m.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *fakeMemory) ReadU32(offset uint32) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *fakeMemory) ReadU64(offset uint32) (uint64, error) {
	b, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *fakeMemory) WriteU8(offset uint32, value uint8) error {
	return m.Write(offset, []byte{value})
}

func (m *fakeMemory) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.Write(offset, b[:])
}

func (m *fakeMemory) WriteU64(offset uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.Write(offset, b[:])
}

func (m *fakeMemory) Size() uint32 {
	return uint32(len(m.data))
}

// fakeAllocator hands out bump-pointer allocations from the arena above
// allocBase and records every Alloc and Free so tests can assert the
// staging traffic balances.
type fakeAllocator struct {
	mem    *fakeMemory
	next   uint32
	allocs []uint32
	freed  []uint32
	fail   bool
}

func newFakeAllocator(mem *fakeMemory) *fakeAllocator {
	return &fakeAllocator{mem: mem, next: allocBase}
}

func (a *fakeAllocator) Alloc(size uint32) (uint32, error) {
	if a.fail {
		return 0, fmt.Errorf("allocation of %d bytes failed", size)
	}
	if size == 0 {
		size = 1
	}
	ptr := a.next
	a.next += (size + 7) &^ 7
	if uint64(a.next) > uint64(len(a.mem.data)) {
		return 0, fmt.Errorf("allocation of %d bytes failed", size)
	}
	a.allocs = append(a.allocs, ptr)
	return ptr, nil
}

func (a *fakeAllocator) Free(ptr uint32) {
	a.freed = append(a.freed, ptr)
}

// leaked reports allocations that were never freed.
func (a *fakeAllocator) leaked() []uint32 {
	freed := make(map[uint32]int, len(a.freed))
	for _, p := range a.freed {
		freed[p]++
	}
	var out []uint32
	for _, p := range a.allocs {
		if freed[p] > 0 {
			freed[p]--
			continue
		}
		out = append(out, p)
	}
	return out
}

// fakeGuest implements the guest interface with a per-export handler
// table. Calls to exports without a handler fail the test, so every
// export a code path touches must be declared up front.
type fakeGuest struct {
	t        *testing.T
	mem      *fakeMemory
	alloc    *fakeAllocator
	handlers map[string]func(args []uint64) uint64
	errs     map[string]error
	calls    []string
	detached []string
	ctx      context.Context
	closed   bool
	fixture  uint32
}

func newFakeGuest(t *testing.T) *fakeGuest {
	mem := newFakeMemory()
	return &fakeGuest{
		t:        t,
		mem:      mem,
		alloc:    newFakeAllocator(mem),
		handlers: make(map[string]func(args []uint64) uint64),
		errs:     make(map[string]error),
		ctx:      context.Background(),
		fixture:  0x100,
	}
}

func (g *fakeGuest) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	g.calls = append(g.calls, name)
	if err := g.errs[name]; err != nil {
		return 0, err
	}
	h, ok := g.handlers[name]
	if !ok {
		g.t.Fatalf("unexpected export call %q", name)
	}
	return h(args), nil
}

func (g *fakeGuest) CallDetached(ctx context.Context, name string, args ...uint64) (uint64, error) {
	g.detached = append(g.detached, name)
	if err := g.errs[name]; err != nil {
		return 0, err
	}
	h, ok := g.handlers[name]
	if !ok {
		g.t.Fatalf("unexpected detached export call %q", name)
	}
	return h(args), nil
}

func (g *fakeGuest) SetContext(ctx context.Context) {
	g.ctx = ctx
}

func (g *fakeGuest) Memory() engine.Memory {
	return g.mem
}

func (g *fakeGuest) Allocator() engine.Allocator {
	return g.alloc
}

func (g *fakeGuest) Close(ctx context.Context) error {
	g.closed = true
	return nil
}

// on installs a handler for one export.
func (g *fakeGuest) on(name string, h func(args []uint64) uint64) {
	g.handlers[name] = h
}

// onRC installs a handler that ignores its arguments and returns a fixed
// result code.
func (g *fakeGuest) onRC(name string, code errors.Code) {
	g.on(name, func([]uint64) uint64 { return uint64(uint32(int32(code))) })
}

// count reports how many times an export was called.
func (g *fakeGuest) count(name string) int {
	n := 0
	for _, c := range g.calls {
		if c == name {
			n++
		}
	}
	return n
}

// stage copies data into fixture space below the allocator arena, appends
// a NUL, and returns the address. Fixtures model payloads the engine owns.
func (g *fakeGuest) stage(data []byte) uint32 {
	need := uint32(len(data)) + 1
	if g.fixture+need > allocBase {
		g.t.Fatalf("fixture space exhausted staging %d bytes", len(data))
	}
	ptr := g.fixture
	copy(g.mem.data[ptr:], data)
	g.mem.data[ptr+uint32(len(data))] = 0
	g.fixture += (need + 7) &^ 7
	return ptr
}

// stageU32s stages a little-endian u32 array and returns its address.
func (g *fakeGuest) stageU32s(vals ...uint32) uint32 {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return g.stage(buf)
}

// installErrmsg makes sqlite3_errmsg report msg for every handle.
func (g *fakeGuest) installErrmsg(msg string) {
	ptr := g.stage([]byte(msg))
	g.on("sqlite3_errmsg", func([]uint64) uint64 { return uint64(ptr) })
}

// installValues wires the sqlite3_value_* accessors over a fixed table of
// values and returns the address of an argv array holding one handle per
// value, in order.
func (g *fakeGuest) installValues(vals ...Value) uint32 {
	type payload struct {
		ptr uint32
		n   uint32
	}
	table := make(map[uint64]Value, len(vals))
	loads := make(map[uint64]payload, len(vals))
	handles := make([]uint32, len(vals))
	for i, v := range vals {
		h := uint32(0xA0000 + i)
		handles[i] = h
		table[uint64(h)] = v
		switch v.typ {
		case TypeText:
			loads[uint64(h)] = payload{g.stage([]byte(v.text)), uint32(len(v.text))}
		case TypeBlob:
			loads[uint64(h)] = payload{g.stage(v.blob), uint32(len(v.blob))}
		}
	}
	g.on("sqlite3_value_type", func(args []uint64) uint64 {
		v, ok := table[args[0]]
		if !ok {
			g.t.Fatalf("sqlite3_value_type on unknown handle %#x", args[0])
		}
		return uint64(engineValueType(v))
	})
	g.on("sqlite3_value_int64", func(args []uint64) uint64 { return table[args[0]].num })
	g.on("sqlite3_value_double", func(args []uint64) uint64 { return table[args[0]].num })
	g.on("sqlite3_value_text", func(args []uint64) uint64 { return uint64(loads[args[0]].ptr) })
	g.on("sqlite3_value_blob", func(args []uint64) uint64 { return uint64(loads[args[0]].ptr) })
	g.on("sqlite3_value_bytes", func(args []uint64) uint64 { return uint64(loads[args[0]].n) })
	return g.stageU32s(handles...)
}

func engineValueType(v Value) uint32 {
	switch v.typ {
	case TypeInteger:
		return engine.TypeInteger
	case TypeReal:
		return engine.TypeFloat
	case TypeText:
		return engine.TypeText
	case TypeBlob:
		return engine.TypeBlob
	default:
		return engine.TypeNull
	}
}

// resultSink records what a callback lowered into a function context
// through the sqlite3_result_* exports.
type resultSink struct {
	kind string
	num  uint64
	data []byte
}

func (s *resultSink) text() string { return string(s.data) }

// installResults captures the sqlite3_result_* family into sink. Text and
// blob results must arrive with the transient destructor.
func (g *fakeGuest) installResults(sink *resultSink) {
	g.on("sqlite3_result_null", func(args []uint64) uint64 {
		sink.kind = "null"
		return 0
	})
	g.on("sqlite3_result_int64", func(args []uint64) uint64 {
		sink.kind = "int"
		sink.num = args[1]
		return 0
	})
	g.on("sqlite3_result_double", func(args []uint64) uint64 {
		sink.kind = "float"
		sink.num = args[1]
		return 0
	})
	capture := func(kind string) func(args []uint64) uint64 {
		return func(args []uint64) uint64 {
			if uint32(args[3]) != uint32(engine.Transient) {
				g.t.Errorf("%s result staged with destructor %#x, want transient", kind, args[3])
			}
			view, err := g.mem.Read(uint32(args[1]), uint32(args[2]))
			if err != nil {
				g.t.Fatalf("%s result payload: %v", kind, err)
			}
			sink.kind = kind
			sink.data = append([]byte(nil), view...)
			return 0
		}
	}
	g.on("sqlite3_result_text", capture("text"))
	g.on("sqlite3_result_blob", capture("blob"))
	g.on("sqlite3_result_error", func(args []uint64) uint64 {
		view, err := g.mem.Read(uint32(args[1]), uint32(args[2]))
		if err != nil {
			g.t.Fatalf("error result payload: %v", err)
		}
		sink.kind = "error"
		sink.data = append([]byte(nil), view...)
		return 0
	})
	g.on("sqlite3_result_error_nomem", func(args []uint64) uint64 {
		sink.kind = "nomem"
		return 0
	})
}

// testDB is the database handle newTestConn wires up.
const testDB = 0xDB

// newTestConn builds a connection over a fresh fake guest, skipping Open.
func newTestConn(t *testing.T) (*Conn, *fakeGuest) {
	t.Helper()
	g := newFakeGuest(t)
	c := &Conn{
		inst:  g,
		mem:   g.mem,
		alloc: g.alloc,
		reg:   resource.NewRegistry(),
		stmts: make(map[uint32]struct{}),
		db:    testDB,
	}
	c.stmtClass = resource.NewClass("stmt", c.finalizeStmt)
	c.blobClass = resource.NewClass("blob", c.finalizeBlob)
	g.ctx = withConn(context.Background(), c)
	return c, g
}

// hostCtx is the context host dispatch runs under, as SetContext would
// install it.
func hostCtx(c *Conn) context.Context {
	return withConn(context.Background(), c)
}
