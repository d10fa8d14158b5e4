package quarry

import (
	"context"
	"io"

	"github.com/quarrydb/quarry/engine"
)

// Config tunes the runtime hosting an engine build.
type Config struct {
	// MemoryLimitPages caps each connection's linear memory in 64KiB pages.
	// Zero keeps the engine default.
	MemoryLimitPages uint32

	// CacheDir enables the compilation cache so repeated loads of the same
	// engine build skip recompilation.
	CacheDir string

	// MountDir is a host directory mounted at the guest root, making
	// file-backed databases reachable by relative path. Empty restricts
	// connections to in-memory databases.
	MountDir string

	// Stdout and Stderr receive the engine's standard streams. Nil discards.
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime holds one verified, compiled engine build. A Runtime is safe for
// concurrent use; each Open mints a connection on its own isolated instance.
type Runtime struct {
	eng *engine.Engine
}

// NewRuntime verifies and compiles the engine build in wasm and registers
// the host callback imports. The binary must export the engine entry points
// along with the registration glue; loading fails with the full list of
// missing exports otherwise.
func NewRuntime(ctx context.Context, wasm []byte, cfg Config) (*Runtime, error) {
	eng, err := engine.Load(ctx, wasm, engine.Config{
		MemoryLimitPages: cfg.MemoryLimitPages,
		CacheDir:         cfg.CacheDir,
		MountDir:         cfg.MountDir,
		Stdout:           cfg.Stdout,
		Stderr:           cfg.Stderr,
	}, hostDefs())
	if err != nil {
		return nil, err
	}
	return &Runtime{eng: eng}, nil
}

// Close releases the compiled build. Open connections must be closed first.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.eng.Close(ctx)
}

// OpenFlag selects how Open reaches the database.
type OpenFlag uint32

const (
	OpenReadOnly  OpenFlag = engine.OpenReadOnly
	OpenReadWrite OpenFlag = engine.OpenReadWrite
	OpenCreate    OpenFlag = engine.OpenCreate
	OpenURI       OpenFlag = engine.OpenURI
	OpenMemory    OpenFlag = engine.OpenMemory
)

// connKey carries the connection through the context of every guest call so
// host imports can recover which connection the engine is calling back into.
type connKey struct{}

func withConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFrom(ctx context.Context) *Conn {
	c, _ := ctx.Value(connKey{}).(*Conn)
	return c
}

// hostDefs declares the callback imports the engine glue links against.
// Each entry dispatches through the connection recovered from the context;
// the signatures mirror the import declarations compiled into the glue.
func hostDefs() []engine.HostDef {
	return []engine.HostDef{
		{Name: engine.ImportFuncInvoke, Params: "iiii", Fn: hostFuncInvoke},
		{Name: engine.ImportFuncDestroy, Params: "i", Fn: hostFuncDestroy},
		{Name: engine.ImportAggStep, Params: "iiii", Fn: hostAggStep},
		{Name: engine.ImportAggFinal, Params: "ii", Fn: hostAggFinal},
		{Name: engine.ImportUpdateHook, Params: "iiiiI", Fn: hostUpdateHook},
		{Name: engine.ImportModuleDestroy, Params: "i", Fn: hostModuleDestroy},
		{Name: engine.ImportVtabConnect, Params: "iiiiii", Results: "i", Fn: hostVtabConnect},
		{Name: engine.ImportVtabBestIndex, Params: "ii", Results: "i", Fn: hostVtabBestIndex},
		{Name: engine.ImportVtabDisconn, Params: "i", Results: "i", Fn: hostVtabDisconnect},
		{Name: engine.ImportVtabUpdate, Params: "iiii", Results: "i", Fn: hostVtabUpdate},
		{Name: engine.ImportCursorOpen, Params: "ii", Results: "i", Fn: hostCursorOpen},
		{Name: engine.ImportCursorFilter, Params: "iiiii", Results: "i", Fn: hostCursorFilter},
		{Name: engine.ImportCursorNext, Params: "i", Results: "i", Fn: hostCursorNext},
		{Name: engine.ImportCursorEOF, Params: "i", Results: "i", Fn: hostCursorEOF},
		{Name: engine.ImportCursorColumn, Params: "iii", Results: "i", Fn: hostCursorColumn},
		{Name: engine.ImportCursorRowid, Params: "ii", Results: "i", Fn: hostCursorRowid},
		{Name: engine.ImportCursorClose, Params: "i", Results: "i", Fn: hostCursorClose},
	}
}
