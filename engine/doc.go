// Package engine hosts a wasm32 build of the SQL engine on wazero.
//
// This package wraps wazero to load, verify, and instantiate the engine
// binary, and to expose the raw surface the bridge above it needs: exported
// function calls, linear memory access, and guest heap allocation.
//
// # Architecture
//
// The engine package provides two main types:
//
//	Engine   - A verified, compiled engine build bound to one wazero runtime
//	Instance - A running engine instance with its own memory and databases
//
// # Loading Flow
//
//  1. Load() scans the binary's export section against RequiredExports,
//     so a misbuilt engine fails with the full missing list up front
//  2. Load() registers the host callback module under HostNamespace and
//     WASI preview1, then compiles the binary, optionally through a
//     compilation cache directory
//  3. Engine.Instantiate() creates an anonymous Instance; every Instance
//     is an isolated database environment
//  4. Instance.Call() invokes exports over a reusable value stack
//
// # Host Callbacks
//
// The engine build carries a glue layer that routes extension callbacks
// (functions, aggregates, hooks, virtual tables) to imports it resolves
// from HostNamespace. Host functions are raw stack functions: parameters
// arrive on a []uint64 in declaration order and results are written back
// starting at slot 0. The bridge recovers its per-connection state from the
// call's context.Context rather than from guest arguments.
//
// # Memory and Allocation
//
// Memory reads return views into guest memory that are only valid until the
// next guest call; callers copy what they keep. Host-staged payloads (SQL
// text, bind parameters) are allocated on the guest heap through the
// engine's own sqlite3_malloc64/sqlite3_free so the engine's accounting
// sees them, and are tracked in an AllocationList so each call path frees
// exactly once.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Instance is NOT thread-safe and is
// serialized by its owning connection; CallDetached is the single sanctioned
// exception, used for the engine's interrupt flag.
package engine
