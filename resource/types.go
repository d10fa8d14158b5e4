package resource

// Token is an opaque reference to a host object pinned for the engine.
// Token 0 is reserved and always invalid.
type Token uint32

// Kind labels what a registry entry holds. Kinds are defined by the owner
// of the registry and carried on lifecycle events.
type Kind string

// Event types for registry lifecycle notifications.
type EventType uint8

const (
	EventPut EventType = iota
	EventRetained
	EventReleased
	EventDropped
)

// Event represents a registry lifecycle event.
type Event struct {
	Value any
	Token Token
	Kind  Kind
	Refs  uint32 // reference count after the event
	Type  EventType
}

// Observer receives notifications about registry lifecycle events.
type Observer interface {
	OnRegistryEvent(Event)
}

// Dropper is optionally implemented by registry values that need cleanup
// when their reference count reaches zero.
type Dropper interface {
	Drop()
}

// Finalizer releases the native resource behind a raw engine pointer.
type Finalizer func(ptr uint32)
