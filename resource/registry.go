package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("resource registry closed")
	ErrInvalidToken = errors.New("invalid or stale token")
)

// Registry pins host objects referenced from engine-side storage. Each entry
// carries an explicit reference count: Put stores a value with one
// reference, Retain adds one, Release removes one and drops the entry when
// the count reaches zero. Dropped slots are recycled through a free list.
//
// The engine only ever sees tokens; the registry is what keeps the
// underlying Go values alive while guest memory refers to them.
type Registry struct {
	entries   []entry
	freeList  []Token
	observers []Observer
	mu        sync.RWMutex
	closed    bool
}

type entry struct {
	value any
	kind  Kind
	refs  uint32
	valid bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make([]entry, 0, 64),
		freeList: make([]Token, 0, 16),
	}
}

// Put stores a value with a reference count of one and returns its token.
func (r *Registry) Put(kind Kind, value any) (Token, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}

	e := entry{
		value: value,
		kind:  kind,
		refs:  1,
		valid: true,
	}

	var tok Token
	if len(r.freeList) > 0 {
		tok = r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
		r.entries[tok-1] = e
	} else {
		r.entries = append(r.entries, e)
		tok = Token(len(r.entries))
	}
	obs := r.snapshotObservers()
	r.mu.Unlock()

	notify(obs, Event{Type: EventPut, Token: tok, Kind: kind, Value: value, Refs: 1})
	return tok, nil
}

// Get retrieves a value by token.
func (r *Registry) Get(tok Token) (any, bool) {
	if tok == 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := tok - 1
	if int(idx) >= len(r.entries) {
		return nil, false
	}

	e := r.entries[idx]
	if !e.valid {
		return nil, false
	}
	return e.value, true
}

// KindOf returns the kind label for a token.
func (r *Registry) KindOf(tok Token) (Kind, bool) {
	if tok == 0 {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := tok - 1
	if int(idx) >= len(r.entries) {
		return "", false
	}

	e := r.entries[idx]
	if !e.valid {
		return "", false
	}
	return e.kind, true
}

// Refs returns the current reference count for a token.
func (r *Registry) Refs(tok Token) (uint32, bool) {
	if tok == 0 {
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := tok - 1
	if int(idx) >= len(r.entries) {
		return 0, false
	}

	e := r.entries[idx]
	if !e.valid {
		return 0, false
	}
	return e.refs, true
}

// Retain increments the reference count for a token.
func (r *Registry) Retain(tok Token) error {
	if tok == 0 {
		return ErrInvalidToken
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	idx := tok - 1
	if int(idx) >= len(r.entries) || !r.entries[idx].valid {
		r.mu.Unlock()
		return ErrInvalidToken
	}

	e := &r.entries[idx]
	e.refs++
	ev := Event{Type: EventRetained, Token: tok, Kind: e.kind, Value: e.value, Refs: e.refs}
	obs := r.snapshotObservers()
	r.mu.Unlock()

	notify(obs, ev)
	return nil
}

// Release decrements the reference count for a token. When the count
// reaches zero the entry is removed, its slot recycled, and its value's
// Dropper (if implemented) invoked.
func (r *Registry) Release(tok Token) error {
	if tok == 0 {
		return ErrInvalidToken
	}

	r.mu.Lock()

	idx := tok - 1
	if int(idx) >= len(r.entries) || !r.entries[idx].valid {
		r.mu.Unlock()
		return ErrInvalidToken
	}

	e := &r.entries[idx]
	e.refs--

	events := make([]Event, 0, 2)
	events = append(events, Event{Type: EventReleased, Token: tok, Kind: e.kind, Value: e.value, Refs: e.refs})

	var dropped any
	if e.refs == 0 {
		dropped = e.value
		events = append(events, Event{Type: EventDropped, Token: tok, Kind: e.kind, Value: e.value, Refs: 0})
		e.valid = false
		e.value = nil
		r.freeList = append(r.freeList, tok)
	}
	obs := r.snapshotObservers()
	r.mu.Unlock()

	if d, ok := dropped.(Dropper); ok {
		d.Drop()
	}
	for _, ev := range events {
		notify(obs, ev)
	}
	return nil
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.valid {
			count++
		}
	}
	return count
}

// Each iterates over all live entries.
func (r *Registry) Each(fn func(Token, Kind, any) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, e := range r.entries {
		if e.valid {
			if !fn(Token(i+1), e.kind, e.value) {
				break
			}
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Registry) Unsubscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.observers {
		if existing == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Close drops every live entry regardless of reference count and stops
// accepting operations. Entry values implementing Dropper are invoked.
func (r *Registry) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var droppers []Dropper
	var events []Event
	for i := range r.entries {
		if r.entries[i].valid {
			e := &r.entries[i]
			if d, ok := e.value.(Dropper); ok {
				droppers = append(droppers, d)
			}
			events = append(events, Event{Type: EventDropped, Token: Token(i + 1), Kind: e.kind, Value: e.value, Refs: 0})
			e.valid = false
			e.value = nil
		}
	}
	r.entries = nil
	r.freeList = nil
	obs := r.snapshotObservers()
	r.observers = nil
	r.mu.Unlock()

	for _, d := range droppers {
		d.Drop()
	}
	for _, ev := range events {
		notify(obs, ev)
	}
	return nil
}

// snapshotObservers copies the observer list; callers must hold mu.
func (r *Registry) snapshotObservers() []Observer {
	if len(r.observers) == 0 {
		return nil
	}
	obs := make([]Observer, len(r.observers))
	copy(obs, r.observers)
	return obs
}

func notify(obs []Observer, ev Event) {
	for _, o := range obs {
		o.OnRegistryEvent(ev)
	}
}
