// Package es provides the event sourcing core: the event model, the patch
// engine that upgrades old event payloads, the event store with optimistic
// concurrency and the aggregate runtime that turns commands into events.
//
// # Events
//
// Event payloads are plain structs that name themselves and optionally
// declare their schema version:
//
//	type Renamed struct {
//	    Name string `json:"name"`
//	}
//
//	func (Renamed) EventType() string { return "RENAMED" }
//	func (Renamed) EventVersion() int { return 1 }
//
// Every payload type is registered per aggregate type in an [EventRegistry]
// built once at startup. Persisted events are wrapped in an [Envelope] that
// carries the aggregate identity, the per-aggregate [Version], the schema
// version of the payload, the [Agent] that caused it and a snapshot flag.
//
// # Patches
//
// When a payload changes shape, bump its EventVersion and register a [Patch]
// from the old version to the new one. Stored events are never rewritten;
// the [PatchRegistry] upgrades them while they are read:
//
//	patches := es.NewPatchRegistry(registry)
//	patches.MustRegister(es.Patch{
//	    AggregateType: "category",
//	    EventName:     "CREATED",
//	    From:          0,
//	    To:            1,
//	    Transform:     es.AddField("group", "NONE"),
//	})
//
// [NewEventStore] validates every chain and refuses to start if a stored
// version could not reach the current one.
//
// # Event store
//
// [EventStore] sits on top of a [Storage] backend ([InMemoryStore] here,
// PostgreSQL and SQLite in the adapters). Appends name the version the
// writer expects; a mismatch fails with [ErrConcurrencyConflict]. Outbox
// drafts passed to [EventStore.Append] are committed in the same
// transaction as the events.
//
// # Runtime
//
// An [Aggregate] is a set of pure functions over state, events and
// commands. [Runtime] loads an aggregate from its latest snapshot plus the
// events after it, hands the command to the aggregate and appends the
// result:
//
//	rt, err := es.NewRuntime(store, category.Aggregate{}, es.WithSnapshotEvery(50))
//	v, err := rt.Submit(ctx, "c-1", 0, category.Create{Name: "Dresses"})
//
// Snapshots are events too: they take the next version in the stream and
// hold the JSON-encoded state. Replaying from a snapshot yields the same
// state as replaying from version 1.
package es
