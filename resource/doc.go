// Package resource provides reference-counted pinning for host objects
// shared with the engine, plus finalizer-backed wrappers for raw engine
// pointers.
//
// # Token Registry
//
// Go values referenced only from engine-side storage (a token stored in
// guest memory) are invisible to the garbage collector. The Registry pins
// them with an explicit reference count:
//
//	reg := resource.NewRegistry()
//
//	// Pin a value with one reference, get a token for guest storage
//	tok, err := reg.Put(resource.Kind("cursor-state"), state)
//
//	// Each additional guest-side storage location takes a reference
//	err = reg.Retain(tok)
//
//	// Tearing a storage location down returns it
//	err = reg.Release(tok)
//
// When the count reaches zero the entry is dropped, its slot recycled, and
// the value's Dropper (if implemented) invoked. The ordering discipline for
// replacing a stored token is: retain (Put) the new value first, store its
// token, then release the old token.
//
// # Observers
//
// Subscribe observers to track the token lifecycle:
//
//	reg.Subscribe(obs) // obs.OnRegistryEvent(Event) per put/retain/release/drop
//
// Observers are how tests verify that churning cursors or aggregate groups
// leaves no pinned value behind.
//
// # Handle Shapes
//
// Raw engine pointers come in two ownership shapes, both created through a
// Class (a named finalizer registration):
//
//	class := resource.NewClass("stmt", func(ptr uint32) { finalizeStmt(ptr) })
//
//	// Shape one: bare pointer, released by GC or an early explicit Release
//	auto := class.Wrap(ptr)
//
//	// Shape two: pointer plus terminal operation; Finish runs it once and
//	// later calls are successful no-ops
//	sess := class.Session(ptr)
//	err := sess.Finish(func(ptr uint32) error { return closeNative(ptr) })
//
// A collected Session that was never finished falls back to the class
// finalizer.
package resource
