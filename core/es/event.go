package es

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// SnapshotEventType is the event name snapshot envelopes are stored under.
const SnapshotEventType = "SNAPSHOTTED"

// Event is implemented by event payload types, with a value receiver.
// Payloads are encoded as JSON.
type Event interface {
	EventType() string
}

// SchemaVersionOf returns the schema version an event type declares through
// an EventVersion() int method, or 0.
func SchemaVersionOf(ev any) int {
	if v, ok := ev.(interface{ EventVersion() int }); ok {
		return v.EventVersion()
	}
	return 0
}

// EventDef describes a registered event: its name, the schema version the
// code currently expects and how to decode it.
type EventDef struct {
	Name    string
	Version int
	decode  func(data []byte) (any, error)
}

// DefineEvent returns the definition of payload type T.
func DefineEvent[T Event]() EventDef {
	var zero T
	return EventDef{
		Name:    zero.EventType(),
		Version: SchemaVersionOf(zero),
		decode: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

func rawEventDef(name string, version int) EventDef {
	return EventDef{
		Name:    name,
		Version: version,
		decode: func(data []byte) (any, error) {
			return json.RawMessage(slices.Clone(data)), nil
		},
	}
}

// EventSource is the part of an aggregate definition the registry needs.
// Aggregates that snapshot may also implement SnapshotVersion() int to
// declare the schema version of their snapshot payload.
type EventSource interface {
	Type() string
	Events() []EventDef
}

type eventKey struct {
	aggType string
	name    string
}

// EventRegistry maps (aggregate type, event name) to event definitions so
// persisted events can be validated and decoded. Build one at startup and
// pass it to the event store.
type EventRegistry struct {
	mu   sync.RWMutex
	defs map[eventKey]EventDef
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{defs: map[eventKey]EventDef{}}
}

func (r *EventRegistry) Register(aggType string, defs ...EventDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.defs[eventKey{aggType, d.Name}] = d
	}
}

// RegisterAggregate registers the events of an aggregate plus its snapshot
// event.
func (r *EventRegistry) RegisterAggregate(src EventSource) {
	snapshotVersion := 0
	if v, ok := src.(interface{ SnapshotVersion() int }); ok {
		snapshotVersion = v.SnapshotVersion()
	}
	r.Register(src.Type(), src.Events()...)
	r.Register(src.Type(), rawEventDef(SnapshotEventType, snapshotVersion))
}

func (r *EventRegistry) Lookup(aggType, name string) (EventDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[eventKey{aggType, name}]
	return d, ok
}

// CurrentVersion returns the schema version the code expects for an event.
func (r *EventRegistry) CurrentVersion(aggType, name string) (int, bool) {
	d, ok := r.Lookup(aggType, name)
	return d.Version, ok
}

// Names returns the sorted event names registered for an aggregate type.
func (r *EventRegistry) Names(aggType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for k := range r.defs {
		if k.aggType == aggType {
			names = append(names, k.name)
		}
	}
	slices.Sort(names)
	return names
}

// Decode decodes a payload stored at the current schema version. Older
// payloads must go through the patch registry first.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	d, ok := r.Lookup(env.AggregateType, env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, env.AggregateType, env.Type)
	}
	if env.SchemaVersion != d.Version {
		return nil, fmt.Errorf(
			"%w: %s/%s has schema version %d, code expects %d",
			ErrUnresolvablePatchChain, env.AggregateType, env.Type, env.SchemaVersion, d.Version,
		)
	}
	ev, err := d.decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s/%s: %w", ErrInvalidEvent, env.AggregateType, env.Type, err)
	}
	return ev, nil
}

// check validates an envelope about to be appended.
func (r *EventRegistry) check(env Envelope) error {
	d, ok := r.Lookup(env.AggregateType, env.Type)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownEventType, env.AggregateType, env.Type)
	}
	if env.SchemaVersion != d.Version {
		return fmt.Errorf(
			"%w: %s/%s written with schema version %d, current is %d",
			ErrInvalidEvent, env.AggregateType, env.Type, env.SchemaVersion, d.Version,
		)
	}
	if env.Snapshot != (env.Type == SnapshotEventType) {
		return fmt.Errorf("%w: snapshot flag does not match event type %s", ErrInvalidEvent, env.Type)
	}
	return nil
}

var _ Decoder = (*EventRegistry)(nil)
