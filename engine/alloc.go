package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Allocator allocates memory on the guest heap. Staged payloads (SQL text,
// names, bind parameters) live there only for the duration of one call and
// are released through an AllocationList.
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(ptr uint32)
}

// guestAllocator allocates through the engine's own heap so everything the
// bridge stages is a legitimate sqlite3_malloc64 allocation the engine can
// account for.
type guestAllocator struct {
	allocFn    api.Function
	freeFn     api.Function
	currentCtx context.Context
	stackBuf   []uint64
	stackMutex sync.Mutex
}

func (a *guestAllocator) setContext(ctx context.Context) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()
	a.currentCtx = ctx
}

func (a *guestAllocator) Alloc(size uint32) (uint32, error) {
	if a.allocFn == nil {
		return 0, fmt.Errorf("no allocator available")
	}

	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	ctx := a.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	a.stackBuf[0] = uint64(size)
	if err := a.allocFn.CallWithStack(ctx, a.stackBuf[:1]); err != nil {
		return 0, err
	}
	ptr := uint32(a.stackBuf[0])
	if ptr == 0 {
		return 0, fmt.Errorf("sqlite3_malloc64 returned NULL for %d bytes", size)
	}
	debugf("guest alloc %d bytes -> 0x%x", size, ptr)
	return ptr, nil
}

func (a *guestAllocator) Free(ptr uint32) {
	if a.freeFn != nil && ptr != 0 {
		a.stackMutex.Lock()
		defer a.stackMutex.Unlock()

		ctx := a.currentCtx
		if ctx == nil {
			ctx = context.Background()
		}

		a.stackBuf[0] = uint64(ptr)
		if err := a.freeFn.CallWithStack(ctx, a.stackBuf[:1]); err != nil {
			Logger().Warn("Free: sqlite3_free failed, guest memory leaked",
				zap.Uint32("ptr", ptr),
				zap.Error(err))
		}
	}
}

// Compile-time check that guestAllocator implements Allocator
var _ Allocator = (*guestAllocator)(nil)

// AllocationList tracks transient guest allocations made during one call so
// every call path, error paths included, frees each of them exactly once.
type AllocationList struct {
	ptrs []uint32
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{ptrs: make([]uint32, 0, 8)}
	},
}

func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledAllocationCapacity = 128

// Release returns to pool. Must call after Free(); list invalid after Release.
func (al *AllocationList) Release() {
	// Only pool small allocations to prevent memory bloat
	if cap(al.ptrs) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

func (al *AllocationList) FreeAndRelease(allocator Allocator) {
	al.Free(allocator)
	al.Release()
}

func (al *AllocationList) Add(ptr uint32) {
	al.ptrs = append(al.ptrs, ptr)
}

func (al *AllocationList) Free(allocator Allocator) {
	if allocator == nil {
		return
	}
	for _, ptr := range al.ptrs {
		if ptr != 0 {
			allocator.Free(ptr)
		}
	}
}

func (al *AllocationList) Reset() {
	al.ptrs = al.ptrs[:0]
}

func (al *AllocationList) Count() int {
	return len(al.ptrs)
}
