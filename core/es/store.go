package es

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// Tx is one unit of work against a storage backend. Everything done
// through a Tx commits together or not at all.
type Tx interface {
	// Append writes events with consecutive versions starting at
	// expected+1. It fails with ErrConcurrencyConflict if the stored
	// version is not expected.
	Append(ctx context.Context, aggType, aggID string, expected Version, events []Envelope) (Version, error)
	// Enqueue schedules outbox entries.
	Enqueue(ctx context.Context, entries ...outbox.Entry) error
}

// Storage is implemented by persistence backends. Backends store envelopes
// as given; validation and patching happen in EventStore.
type Storage interface {
	// Load yields the events of an aggregate with version >= from in
	// ascending order. Each range over the result reads the store again.
	Load(ctx context.Context, aggType, aggID string, from Version) iter.Seq2[Envelope, error]
	// LatestSnapshot returns the snapshot event with the highest version,
	// or ErrSnapshotNotFound.
	LatestSnapshot(ctx context.Context, aggType, aggID string) (*Envelope, error)
	// Atomic runs fn in a transaction.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// EventStore is the per-aggregate append-only log. It validates events
// before they reach the backend and upgrades stored events to the current
// schema on the way out.
type EventStore struct {
	storage Storage
	events  *EventRegistry
	patches *PatchRegistry
	log     *slog.Logger
	metrics Metrics
	clock   func() time.Time
}

// NewEventStore validates the patch chains and fails if any of them does
// not reach the current version of its event.
func NewEventStore(storage Storage, events *EventRegistry, patches *PatchRegistry, opts ...StoreOption) (*EventStore, error) {
	if patches == nil {
		patches = NewPatchRegistry(events)
	}
	if err := patches.Validate(); err != nil {
		return nil, err
	}

	options := storeOptions{
		log:     slog.Default(),
		metrics: NopMetrics(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}

	return &EventStore{
		storage: storage,
		events:  events,
		patches: patches,
		log:     options.log.With(slog.String("component", "es.store")),
		metrics: options.metrics,
		clock:   options.clock,
	}, nil
}

func (s *EventStore) Registry() *EventRegistry { return s.events }
func (s *EventStore) Patches() *PatchRegistry  { return s.patches }

// Append writes events for an aggregate whose stored version is expected and
// schedules the outbox drafts in the same transaction. Versions are assigned
// here. If any event is invalid nothing is written.
func (s *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expected Version,
	events []Envelope,
	drafts ...outbox.Draft,
) (Version, error) {
	if len(events) == 0 {
		return 0, ErrStoreNoEvents
	}

	now := s.clock()
	batch := make([]Envelope, len(events))
	for i, e := range events {
		e.AggregateType = aggType
		e.AggregateID = aggID
		e.Version = expected + Version(i+1)
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now.UTC()
		}
		if e.Agent.Type == "" {
			e.Agent = SystemAgent()
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
		if err := s.events.check(e); err != nil {
			return 0, err
		}
		batch[i] = e
	}

	entries := make([]outbox.Entry, len(drafts))
	for i, d := range drafts {
		entries[i] = outbox.NewEntry(d, now)
	}

	timer := s.metrics.StoreAppendDuration(aggType)
	defer timer.ObserveDuration()

	var newVersion Version
	err := s.storage.Atomic(ctx, func(tx Tx) error {
		v, err := tx.Append(ctx, aggType, aggID, expected, batch)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := tx.Enqueue(ctx, entries...); err != nil {
				return fmt.Errorf("enqueue outbox: %w", err)
			}
		}
		newVersion = v
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}

	s.metrics.EventsAppended(aggType, len(batch))
	s.log.Debug(
		"appended",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		expected.SlogAttrWithKey("expected"),
		newVersion.SlogAttr(),
		slog.Int("events", len(batch)),
		slog.Int("outbox", len(entries)),
	)
	return newVersion, nil
}

// LoadEvents yields the events of an aggregate from version from on, with
// payloads upgraded to the current schema. Iteration stops at the first
// error.
func (s *EventStore) LoadEvents(ctx context.Context, aggType, aggID string, from Version) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		timer := s.metrics.StoreLoadDuration(aggType)
		defer timer.ObserveDuration()

		for env, err := range s.storage.Load(ctx, aggType, aggID, from) {
			if err != nil {
				yield(Envelope{}, unavailable(err))
				return
			}
			env, err = s.upgrade(env)
			if err != nil {
				yield(Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

// LoadLatestSnapshot returns the most recent snapshot event of an aggregate,
// upgraded to the current snapshot schema, or nil if there is none.
func (s *EventStore) LoadLatestSnapshot(ctx context.Context, aggType, aggID string) (*Envelope, error) {
	env, err := s.storage.LatestSnapshot(ctx, aggType, aggID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	upgraded, err := s.upgrade(*env)
	if err != nil {
		return nil, err
	}
	return &upgraded, nil
}

// Decode upgrades and decodes the payload of an envelope, e.g. one received
// from a transport.
func (s *EventStore) Decode(env Envelope) (any, error) {
	env, err := s.upgrade(env)
	if err != nil {
		return nil, err
	}
	return s.events.Decode(env)
}

func (s *EventStore) upgrade(env Envelope) (Envelope, error) {
	current, ok := s.events.CurrentVersion(env.AggregateType, env.Type)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, env.AggregateType, env.Type)
	}
	if env.SchemaVersion == current {
		return env, nil
	}
	upgraded, err := s.patches.Upgrade(env)
	if err != nil {
		return Envelope{}, err
	}
	s.metrics.EventsPatched(env.AggregateType, env.Type)
	return upgraded, nil
}

var _ Decoder = (*EventStore)(nil)
