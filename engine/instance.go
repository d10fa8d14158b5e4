package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/quarrydb/quarry/errors"
)

// Instance is one isolated engine instance with its own linear memory and
// database state. Calls are not goroutine-safe; the owning connection
// serializes them. Calls may nest when a host import re-enters the guest:
// the nested call completes, and its result is read, before the outer call
// resumes, so the shared stack buffer stays consistent.
type Instance struct {
	module    api.Module
	memory    *wazeroMemory
	alloc     *guestAllocator
	funcCache map[string]api.Function
	cacheMu   sync.RWMutex
	stackBuf  []uint64
}

// Instantiate creates a fresh anonymous instance of the engine build.
func (e *Engine) Instantiate(ctx context.Context) (*Instance, error) {
	if e.compiled == nil {
		return nil, errors.Instantiation(fmt.Errorf("engine closed"))
	}

	modConfig := wazero.NewModuleConfig().
		WithName(""). // anonymous for parallel instantiation
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	if e.cfg.Stdout != nil {
		modConfig = modConfig.WithStdout(e.cfg.Stdout)
	}
	if e.cfg.Stderr != nil {
		modConfig = modConfig.WithStderr(e.cfg.Stderr)
	}
	if e.cfg.MountDir != "" {
		modConfig = modConfig.WithFSConfig(
			wazero.NewFSConfig().WithDirMount(e.cfg.MountDir, "/"))
	}

	module, err := e.runtime.InstantiateModule(ctx, e.compiled, modConfig)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst := &Instance{
		module:    module,
		funcCache: make(map[string]api.Function),
		stackBuf:  make([]uint64, 16), // pre-allocate stack buffer
	}
	if mem := module.Memory(); mem != nil {
		inst.memory = &wazeroMemory{mem: mem}
	}
	inst.alloc = &guestAllocator{
		allocFn:  module.ExportedFunction(FnMalloc),
		freeFn:   module.ExportedFunction(FnFree),
		stackBuf: make([]uint64, 4),
	}

	// Reactor builds export _initialize instead of running _start.
	if init := module.ExportedFunction(FnInitialize); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = module.Close(ctx)
			return nil, errors.Instantiation(err)
		}
	}

	return inst, nil
}

// Call invokes an exported guest function. The returned value is the first
// result slot and is meaningful only for functions that return a value.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	fn, err := i.fn(name)
	if err != nil {
		return 0, err
	}
	i.alloc.setContext(ctx)

	stack := i.stackBuf
	if len(args) > len(stack) {
		stack = make([]uint64, len(args))
	}
	copy(stack, args)
	if err := fn.CallWithStack(ctx, stack); err != nil {
		return 0, err
	}
	return stack[0], nil
}

// CallDetached invokes an exported function on a freshly resolved function
// value with its own call engine, so it may run while the connection
// goroutine is mid-call. Used for sqlite3_interrupt, which the engine
// permits from any thread.
func (i *Instance) CallDetached(ctx context.Context, name string, args ...uint64) (uint64, error) {
	module := i.module
	if module == nil {
		return 0, fmt.Errorf("instance closed")
	}
	fn := module.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("function %s not found", name)
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func (i *Instance) fn(name string) (api.Function, error) {
	i.cacheMu.RLock()
	fn, ok := i.funcCache[name]
	i.cacheMu.RUnlock()
	if ok {
		return fn, nil
	}
	if i.module == nil {
		return nil, fmt.Errorf("instance closed")
	}
	fn = i.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("function %s not found", name)
	}
	i.cacheMu.Lock()
	i.funcCache[name] = fn
	i.cacheMu.Unlock()
	return fn, nil
}

// Memory returns the instance's linear memory accessor.
func (i *Instance) Memory() Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// Allocator returns the guest heap allocator.
func (i *Instance) Allocator() Allocator {
	if i.alloc == nil {
		return nil
	}
	return i.alloc
}

// SetContext binds the context used for allocator calls made outside a
// Call, such as staging payloads before the call that consumes them.
func (i *Instance) SetContext(ctx context.Context) {
	if i.alloc != nil {
		i.alloc.setContext(ctx)
	}
}

// Close releases the instance and its linear memory.
func (i *Instance) Close(ctx context.Context) error {
	var firstErr error
	if i.module != nil {
		if err := i.module.Close(ctx); err != nil {
			firstErr = err
		}
		i.module = nil
	}
	// Clear references to help GC
	i.funcCache = nil
	i.memory = nil
	i.alloc = nil
	i.stackBuf = nil
	return firstErr
}
