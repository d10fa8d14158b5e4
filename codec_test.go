package quarry

import (
	"math"
	"testing"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
)

func TestReadCString(t *testing.T) {
	c, g := newTestConn(t)
	ptr := g.stage([]byte("journal_mode"))
	got, err := readCString(c.mem, ptr)
	if err != nil {
		t.Fatalf("readCString: %v", err)
	}
	if got != "journal_mode" {
		t.Errorf("readCString = %q", got)
	}
	empty, err := readCString(c.mem, 0)
	if err != nil || empty != "" {
		t.Errorf("NULL pointer read = %q, %v; want empty string", empty, err)
	}
}

func TestReadArgsLiftsEachType(t *testing.T) {
	c, g := newTestConn(t)
	nan := math.Float64frombits(0x7FF8_0000_0000_0001)
	argv := g.installValues(
		Integer(-9),
		Real(nan),
		Text("héllo"),
		BlobValue([]byte{0, 1, 2}),
		Null(),
	)

	args, err := c.readArgs(hostCtx(c), errors.PhaseFunction, 5, argv)
	if err != nil {
		t.Fatalf("readArgs: %v", err)
	}
	if len(args) != 5 {
		t.Fatalf("got %d args", len(args))
	}
	if got := args[0].Int64(); got != -9 {
		t.Errorf("arg 0 = %d, want -9", got)
	}
	if bits := math.Float64bits(args[1].Float()); bits != 0x7FF8_0000_0000_0001 {
		t.Errorf("arg 1 lost NaN payload: %#x", bits)
	}
	if got := args[2].Text(); got != "héllo" {
		t.Errorf("arg 2 = %q", got)
	}
	if got := args[3].Blob(); len(got) != 3 || got[2] != 2 {
		t.Errorf("arg 3 = %v", got)
	}
	if !args[4].IsNull() {
		t.Errorf("arg 4 = %v, want null", args[4])
	}
}

// Payloads must be copied out of guest memory during the lift; a Value may
// outlive the engine-side buffer it came from.
func TestReadValueCopiesPayload(t *testing.T) {
	c, g := newTestConn(t)
	argv := g.installValues(BlobValue([]byte{7, 7, 7}))

	args, err := c.readArgs(hostCtx(c), errors.PhaseFunction, 1, argv)
	if err != nil {
		t.Fatalf("readArgs: %v", err)
	}
	for i := range g.mem.data[:allocBase] {
		g.mem.data[i] = 0xEE
	}
	if got := args[0].Blob(); got[0] != 7 || got[1] != 7 || got[2] != 7 {
		t.Errorf("blob aliased guest memory: %v", got)
	}
}

func TestReadValueRejectsInvalidUTF8(t *testing.T) {
	c, g := newTestConn(t)
	argv := g.installValues(Value{typ: TypeText, text: string([]byte{0xff, 0xfe})})

	_, err := c.readArgs(hostCtx(c), errors.PhaseFunction, 1, argv)
	if err == nil {
		t.Fatal("expected error lifting invalid UTF-8")
	}
	if !errors.IsKind(err, errors.KindInvalidUTF8) {
		t.Errorf("error kind = %v", err)
	}
}

// sqlite3_value_bytes after sqlite3_value_text reports the text length, so
// the pointer fetch has to happen first.
func TestReadValueFetchesPointerBeforeLength(t *testing.T) {
	c, g := newTestConn(t)
	argv := g.installValues(Text("abc"))

	if _, err := c.readArgs(hostCtx(c), errors.PhaseFunction, 1, argv); err != nil {
		t.Fatalf("readArgs: %v", err)
	}
	textAt, bytesAt := -1, -1
	for i, name := range g.calls {
		switch name {
		case "sqlite3_value_text":
			if textAt == -1 {
				textAt = i
			}
		case "sqlite3_value_bytes":
			if bytesAt == -1 {
				bytesAt = i
			}
		}
	}
	if textAt == -1 || bytesAt == -1 || textAt > bytesAt {
		t.Errorf("call order: text at %d, bytes at %d; want pointer first", textAt, bytesAt)
	}
}

func TestStageBytesAppendsNUL(t *testing.T) {
	c, g := newTestConn(t)
	list := engine.NewAllocationList()
	ptr, err := c.stageBytes(list, []byte("abc"))
	if err != nil {
		t.Fatalf("stageBytes: %v", err)
	}
	view, err := c.mem.Read(ptr, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(view[:3]) != "abc" || view[3] != 0 {
		t.Errorf("staged bytes = %v", view)
	}
	list.FreeAndRelease(c.alloc)
	if leaks := g.alloc.leaked(); len(leaks) != 0 {
		t.Errorf("staging leaked: %v", leaks)
	}
}

func TestResultValueLowersEachType(t *testing.T) {
	c, g := newTestConn(t)
	var sink resultSink
	g.installResults(&sink)
	ctx := hostCtx(c)

	if err := c.resultValue(ctx, 0xC1, Null()); err != nil || sink.kind != "null" {
		t.Errorf("null: kind=%q err=%v", sink.kind, err)
	}
	if err := c.resultValue(ctx, 0xC1, Integer(-3)); err != nil || sink.kind != "int" || int64(sink.num) != -3 {
		t.Errorf("integer: kind=%q num=%d err=%v", sink.kind, int64(sink.num), err)
	}
	if err := c.resultValue(ctx, 0xC1, Real(2.5)); err != nil || sink.kind != "float" || math.Float64frombits(sink.num) != 2.5 {
		t.Errorf("real: kind=%q err=%v", sink.kind, err)
	}
	if err := c.resultValue(ctx, 0xC1, Text("ok")); err != nil || sink.kind != "text" || sink.text() != "ok" {
		t.Errorf("text: kind=%q data=%q err=%v", sink.kind, sink.text(), err)
	}
	if err := c.resultValue(ctx, 0xC1, BlobValue([]byte{1})); err != nil || sink.kind != "blob" || len(sink.data) != 1 {
		t.Errorf("blob: kind=%q err=%v", sink.kind, err)
	}
	if leaks := g.alloc.leaked(); len(leaks) != 0 {
		t.Errorf("result staging leaked: %v", leaks)
	}
}

func TestResultValueRejectsInvalidText(t *testing.T) {
	c, g := newTestConn(t)
	var sink resultSink
	g.installResults(&sink)

	err := c.resultValue(hostCtx(c), 0xC1, Value{typ: TypeText, text: "\xff"})
	if err == nil {
		t.Fatal("expected error lowering invalid UTF-8")
	}
	if sink.kind != "" {
		t.Errorf("result staged despite invalid text: %q", sink.kind)
	}
}

func TestResultErrorFallsBackToNoMem(t *testing.T) {
	c, g := newTestConn(t)
	var sink resultSink
	g.installResults(&sink)
	g.alloc.fail = true

	c.resultError(hostCtx(c), 0xC1, "scalar function failed")
	if sink.kind != "nomem" {
		t.Errorf("kind = %q, want nomem", sink.kind)
	}
}

func TestBindValueStagesTransientPayload(t *testing.T) {
	c, g := newTestConn(t)
	var gotPtr, gotLen, gotDtor uint64
	g.on("sqlite3_bind_text", func(args []uint64) uint64 {
		gotPtr, gotLen, gotDtor = args[2], args[3], args[4]
		return 0
	})

	if err := c.bindValue(hostCtx(c), 0x51, 1, Text("abc")); err != nil {
		t.Fatalf("bindValue: %v", err)
	}
	view, err := c.mem.Read(uint32(gotPtr), uint32(gotLen))
	if err != nil || string(view) != "abc" {
		t.Errorf("staged payload = %q, %v", view, err)
	}
	if uint32(gotDtor) != 0xFFFF_FFFF {
		t.Errorf("destructor = %#x, want transient", gotDtor)
	}
	if leaks := g.alloc.leaked(); len(leaks) != 0 {
		t.Errorf("bind staging leaked: %v", leaks)
	}
}

func TestBindValueReportsEngineError(t *testing.T) {
	c, g := newTestConn(t)
	g.onRC("sqlite3_bind_int64", errors.CodeRange)
	g.installErrmsg("column index out of range")

	err := c.bindValue(hostCtx(c), 0x51, 9, Integer(1))
	if err == nil {
		t.Fatal("expected bind error")
	}
	if !errors.IsCode(err, errors.CodeRange) {
		t.Errorf("code = %v", errors.CodeOf(err))
	}
}
