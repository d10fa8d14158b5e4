package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/errors"
)

// Config holds configuration for engine loading.
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// CacheDir enables wazero's compilation cache in the given directory so
	// repeated loads of the same engine build skip recompilation.
	CacheDir string

	// MountDir is a host directory mounted at the guest root for file-backed
	// databases. Empty means only in-memory databases can be opened.
	MountDir string

	// Stdout and Stderr receive the guest's standard streams. Nil discards.
	Stdout io.Writer
	Stderr io.Writer
}

// HostFn is a raw host function. Parameters arrive on the stack in order;
// results are written back starting at slot 0.
type HostFn func(ctx context.Context, stack []uint64)

// HostDef declares one function the engine build imports from HostNamespace.
// Params and Results are compact signatures, one byte per value:
// 'i' for i32, 'I' for i64.
type HostDef struct {
	Name    string
	Params  string
	Results string
	Fn      HostFn
}

// Engine is a verified, compiled engine build bound to one wazero runtime.
// Instantiate creates isolated instances; Close tears the runtime down.
type Engine struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	cfg      Config
}

// Load verifies the binary's export surface, creates a wazero runtime,
// registers the host module and WASI preview1, and compiles the engine
// build. The host definitions are fixed for the lifetime of the engine.
func Load(ctx context.Context, wasm []byte, cfg Config, host []HostDef) (*Engine, error) {
	if err := VerifyExports(wasm, RequiredExports); err != nil {
		return nil, err
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Load("create compilation cache", err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
		cfg:     cfg,
	}
	if err := e.registerHost(ctx, host); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		_ = e.Close(ctx)
		return nil, errors.Load("instantiate WASI", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = e.Close(ctx)
		return nil, errors.Load("compile engine module", err)
	}
	e.compiled = compiled

	Logger().Debug("engine loaded",
		zap.Int("binary_bytes", len(wasm)),
		zap.Int("host_functions", len(host)))
	return e, nil
}

func (e *Engine) registerHost(ctx context.Context, host []HostDef) error {
	if len(host) == 0 {
		return nil
	}
	builder := e.runtime.NewHostModuleBuilder(HostNamespace)
	for _, def := range host {
		fn := def.Fn
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				fn(ctx, stack)
			}), valueTypes(def.Params), valueTypes(def.Results)).
			Export(def.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Load("instantiate host module", err)
	}
	return nil
}

// Close releases the compiled module, the runtime, and the compilation
// cache. Instances must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if e.compiled != nil {
		if err := e.compiled.Close(ctx); err != nil {
			firstErr = err
		}
		e.compiled = nil
	}
	if e.runtime != nil {
		if err := e.runtime.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		e.runtime = nil
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		e.cache = nil
	}
	return firstErr
}

// valueTypes compiles a compact signature string into wazero value types.
// Signature bytes outside the alphabet are a programming error.
func valueTypes(sig string) []api.ValueType {
	if sig == "" {
		return nil
	}
	types := make([]api.ValueType, len(sig))
	for i := 0; i < len(sig); i++ {
		switch sig[i] {
		case 'i':
			types[i] = api.ValueTypeI32
		case 'I':
			types[i] = api.ValueTypeI64
		default:
			panic(fmt.Sprintf("engine: invalid signature byte %q", sig[i]))
		}
	}
	return types
}
