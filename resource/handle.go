package resource

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Class describes a family of native resources sharing one finalizer.
// Wrappers created through a class release their native pointer through
// that finalizer, either explicitly or when collected.
type Class struct {
	name string
	fin  Finalizer
}

// NewClass registers a resource class with the finalizer that tears down
// its native side.
func NewClass(name string, fin Finalizer) *Class {
	return &Class{name: name, fin: fin}
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.name
}

// Auto wraps a bare native pointer whose release is driven by garbage
// collection: when nothing references the wrapper anymore, the class
// finalizer runs against the pointer. Release may be called earlier to
// tear down eagerly; the finalizer then never fires.
type Auto struct {
	ptr      uint32
	class    *Class
	released atomic.Bool
}

// Wrap returns an Auto handle for a raw engine pointer.
func (c *Class) Wrap(ptr uint32) *Auto {
	a := &Auto{ptr: ptr, class: c}
	runtime.SetFinalizer(a, func(obj *Auto) { obj.finalize() })
	return a
}

// Ptr returns the wrapped native pointer. It reports false once the
// handle has been released.
func (a *Auto) Ptr() (uint32, bool) {
	if a.released.Load() {
		return 0, false
	}
	return a.ptr, true
}

// Release runs the class finalizer against the pointer exactly once.
func (a *Auto) Release() {
	if a.released.Swap(true) {
		return
	}
	runtime.SetFinalizer(a, nil)
	if a.class.fin != nil {
		a.class.fin(a.ptr)
	}
}

func (a *Auto) finalize() {
	if a.released.Swap(true) {
		return
	}
	if a.class.fin != nil {
		a.class.fin(a.ptr)
	}
}

// Session wraps a native pointer that has an explicit terminal operation.
// The terminal operation runs at most once; calling Finish again is a
// successful no-op. If the session is collected without Finish having been
// called, the class finalizer tears the native side down instead.
type Session struct {
	ptr      uint32
	class    *Class
	mu       sync.Mutex
	finished bool
}

// Session returns a Session handle for a raw engine pointer.
func (c *Class) Session(ptr uint32) *Session {
	s := &Session{ptr: ptr, class: c}
	runtime.SetFinalizer(s, func(obj *Session) { obj.finalize() })
	return s
}

// Ptr returns the wrapped native pointer. It reports false once the
// session has finished.
func (s *Session) Ptr() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return 0, false
	}
	return s.ptr, true
}

// Finished reports whether the terminal operation has run.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Finish runs the terminal operation once and returns its error. Every
// later call returns nil without invoking terminal again.
func (s *Session) Finish(terminal func(ptr uint32) error) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	runtime.SetFinalizer(s, nil)
	if terminal == nil {
		return nil
	}
	return terminal(s.ptr)
}

func (s *Session) finalize() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	if s.class.fin != nil {
		s.class.fin(s.ptr)
	}
}
