// Package quarry embeds a SQL engine compiled to WebAssembly and makes its
// host callbacks first-class Go extension points.
//
// The engine runs inside a sandboxed wasm instance; this package is the
// bridge across that boundary. Mechanical operations (open, prepare, bind,
// step, column reads) are thin relays into the guest. The interesting part
// is the reverse direction: scalar and aggregate SQL functions, update
// hooks, and whole virtual tables implemented in Go, invoked by the engine
// mid-statement through host imports.
//
// # Architecture Overview
//
// The module is organized into a small set of packages:
//
//	quarry/          Root package: Runtime, Conn, Stmt, Value, extension points
//	├── engine/      wazero integration: load, verify, instantiate, call
//	├── resource/    reference-counted token registry and finalizer handles
//	├── errors/      structured errors: phase, kind, engine result code
//	└── cmd/quarry/  interactive SQL shell over the bridge
//
// # Quick Start
//
// Load an engine build and run some SQL:
//
//	rt, err := quarry.NewRuntime(ctx, engineWasm, quarry.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	conn, err := rt.Open(ctx, ":memory:")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close(ctx)
//
//	err = conn.CreateFunction(ctx, "reverse", 1, func(args []quarry.Value) (quarry.Value, error) {
//	    r := []rune(args[0].Text())
//	    for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
//	        r[i], r[j] = r[j], r[i]
//	    }
//	    return quarry.Text(string(r)), nil
//	})
//
// # Callback Lifetimes
//
// Go values handed to the engine (functions, hooks, modules, scan states)
// are pinned in a reference-counted registry and referenced from engine
// memory by opaque tokens. Storing a token into engine-owned storage
// retains the value; tearing that storage down releases it. The engine's
// destroy trampolines drive the releases, so a callback lives exactly as
// long as the engine can still call it.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Each Conn serializes its own methods
// and owns an isolated engine instance; use one Conn per goroutine or
// share one freely. Conn.Interrupt and Conn.Interrupted are safe to call
// while another call is in flight on the same Conn.
//
// # Memory Model
//
// WASM linear memory only grows. Freed guest allocations are reused inside
// the instance but never returned to the host. Long-lived processes that
// churn through large transient payloads can close and reopen connections
// to reclaim memory.
package quarry
