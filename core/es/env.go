package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires the pieces a service needs to run aggregates: the event and
// patch registries, the storage backend and the EventStore on top of them.
type Env struct {
	id       string
	log      *slog.Logger
	storage  Storage
	registry *EventRegistry
	patches  *PatchRegistry
	store    *EventStore
}

func (e *Env) ID() string               { return e.id }
func (e *Env) Storage() Storage         { return e.storage }
func (e *Env) Registry() *EventRegistry { return e.registry }
func (e *Env) Patches() *PatchRegistry  { return e.patches }
func (e *Env) Store() *EventStore       { return e.store }
func (e *Env) Log() *slog.Logger        { return e.log }

type (
	envOptions struct {
		log        *slog.Logger
		metrics    Metrics
		clock      func() time.Time
		storage    Storage
		aggregates []EventSource
		events     []envEvents
		patches    []Patch
	}

	envEvents struct {
		aggType string
		defs    []EventDef
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}

	StorageOption    valueOption[Storage]
	AggregatesOption valueOption[[]EventSource]
	EventsOption     valueOption[envEvents]
	PatchesOption    valueOption[[]Patch]
)

// WithStorage sets the backend (default: a new InMemoryStore).
func WithStorage(s Storage) StorageOption { return StorageOption{v: s} }

// WithAggregates registers the events and snapshot event of each aggregate.
func WithAggregates(srcs ...EventSource) AggregatesOption { return AggregatesOption{v: srcs} }

// WithEvents registers events that do not belong to an aggregate known to
// this process, e.g. events consumed from another service.
func WithEvents(aggType string, defs ...EventDef) EventsOption {
	return EventsOption{v: envEvents{aggType: aggType, defs: defs}}
}

func WithPatches(patches ...Patch) PatchesOption { return PatchesOption{v: patches} }

func (o StorageOption) applyToEnv(e *envOptions) {
	if o.v != nil {
		e.storage = o.v
	}
}
func (o AggregatesOption) applyToEnv(e *envOptions) { e.aggregates = append(e.aggregates, o.v...) }
func (o EventsOption) applyToEnv(e *envOptions)     { e.events = append(e.events, o.v) }
func (o PatchesOption) applyToEnv(e *envOptions)    { e.patches = append(e.patches, o.v...) }
func (o LogOption) applyToEnv(e *envOptions) {
	if o.v != nil {
		e.log = o.v
	}
}
func (o MetricsOption) applyToEnv(e *envOptions) {
	if o.v != nil {
		e.metrics = o.v
	}
}
func (o ClockOption) applyToEnv(e *envOptions) {
	if o.v != nil {
		e.clock = o.v
	}
}

// NewEnv registers all aggregates, events and patches, validates the patch
// chains and opens the event store.
func NewEnv(opts ...EnvOption) (*Env, error) {
	options := envOptions{
		log:     slog.Default(),
		metrics: NopMetrics(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	if options.storage == nil {
		options.storage = NewInMemoryStore()
	}

	id := gonanoid.Must(6)
	log := options.log.With(slog.String("env", id))

	registry := NewRegistry()
	for _, agg := range options.aggregates {
		registry.RegisterAggregate(agg)
		log.Debug("registered aggregate", slog.String("type", agg.Type()), slog.Int("events", len(agg.Events())))
	}
	for _, ev := range options.events {
		registry.Register(ev.aggType, ev.defs...)
	}

	patches := NewPatchRegistry(registry)
	if err := patches.Register(options.patches...); err != nil {
		return nil, fmt.Errorf("register patches: %w", err)
	}

	store, err := NewEventStore(
		options.storage,
		registry,
		patches,
		WithLog(log),
		WithMetrics(options.metrics),
		WithClock(options.clock),
	)
	if err != nil {
		return nil, err
	}

	return &Env{
		id:       id,
		log:      log,
		storage:  options.storage,
		registry: registry,
		patches:  patches,
		store:    store,
	}, nil
}
