// Package events defines the event payloads exchanged over the dispatcher.
// Every state-machine transition in the node is driven by one of these
// types; handlers match the concrete type and treat a mismatch as an
// internal invariant violation.
package events

// Kind routes an event to the subsystem that registered for it.
type Kind string

const (
	KindApplication  Kind = "application"
	KindContainer    Kind = "container"
	KindLocalization Kind = "localization"
	KindLauncher     Kind = "launcher"
)

// Event is a payload delivered through the dispatcher. EntityID names the
// state-machine instance the event targets; events for the same entity are
// delivered in post order.
type Event interface {
	Kind() Kind
	EntityID() string
}

// Poster posts events without blocking on handler work. The dispatcher
// implements it; components hold a Poster so tests can substitute a
// recording fake.
type Poster interface {
	Dispatch(ev Event)
}
