package es

// Aggregate defines an event-sourced aggregate type as pure functions over
// its state S, its events E and its commands C.
//
// E and C are meant to be closed sets: declare an interface with an
// unexported marker method per aggregate and let Apply and Handle switch
// over the concrete types.
//
//	type CategoryEvent interface {
//	    es.Event
//	    isCategoryEvent()
//	}
//
// State is never mutated in place. Apply returns the state after one
// event; Handle validates a command against the state and returns the
// events it produces, or an error. Rule violations should be reported with
// Violation so callers can tell them from technical failures.
//
// S must round-trip through encoding/json when snapshots are enabled.
type Aggregate[S any, E Event, C any] interface {
	EventSource
	Initial() S
	Apply(state S, event E) S
	Handle(state S, cmd C) ([]E, error)
}

// Loaded is an aggregate state rebuilt from the event store.
type Loaded[S any] struct {
	ID      string
	State   S
	Version Version
	// SnapshotVersion is the version of the snapshot replay started from,
	// or 0 if every event was replayed.
	SnapshotVersion Version
}
