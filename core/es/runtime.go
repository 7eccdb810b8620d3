package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/perkey"
	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

// Runtime executes commands against one aggregate type: it rebuilds the
// state from the store, lets the aggregate decide, and appends the resulting
// events together with their outbox messages in one transaction.
//
// A command issued against a stale version fails with
// ErrConcurrencyConflict. The runtime never retries on its own; whether the
// command still makes sense on the newer state is the caller's decision.
type Runtime[S any, E Event, C any] struct {
	store   *EventStore
	agg     Aggregate[S, E, C]
	aggType string
	log     *slog.Logger
	metrics Metrics
	clock   func() time.Time

	snapshotPolicy SnapshotPolicy
	router         Router
	hooks          []func()
	sched          *perkey.Scheduler[string]
}

func NewRuntime[S any, E Event, C any](store *EventStore, agg Aggregate[S, E, C], opts ...RuntimeOption) (*Runtime[S, E, C], error) {
	aggType := agg.Type()
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	for _, def := range agg.Events() {
		if _, ok := store.Registry().Lookup(aggType, def.Name); !ok {
			return nil, fmt.Errorf("%w: %s/%s is not registered", ErrUnknownEventType, aggType, def.Name)
		}
	}

	options := runtimeOptions{
		log:     slog.Default(),
		metrics: NopMetrics(),
		clock:   time.Now,
		router:  DefaultRouter,
	}
	for _, opt := range opts {
		opt.applyToRuntime(&options)
	}

	if options.snapshotPolicy != nil {
		if _, ok := store.Registry().Lookup(aggType, SnapshotEventType); !ok {
			return nil, fmt.Errorf("%w: %s has no snapshot event, register it with RegisterAggregate", ErrUnknownEventType, aggType)
		}
	}

	r := &Runtime[S, E, C]{
		store:          store,
		agg:            agg,
		aggType:        aggType,
		log:            options.log.With(slog.String("component", "es.runtime"), slog.String("aggregate", aggType)),
		metrics:        options.metrics,
		clock:          options.clock,
		snapshotPolicy: options.snapshotPolicy,
		router:         options.router,
		hooks:          options.hooks,
	}
	if options.serialized {
		r.sched = perkey.New[string]()
	}
	return r, nil
}

func (r *Runtime[S, E, C]) Type() string { return r.aggType }

// Submit runs cmd against the aggregate with the given id, which the
// caller last saw at version expected (0 for an aggregate that does not
// exist yet). It returns the new version, which equals expected if the
// command produced no events.
func (r *Runtime[S, E, C]) Submit(ctx context.Context, id string, expected Version, cmd C, opts ...SubmitOption) (Version, error) {
	if id == "" {
		return 0, errors.New("aggregate id is empty")
	}
	options := submitOptions{agent: SystemAgent()}
	for _, opt := range opts {
		opt.applyToSubmit(&options)
	}

	if r.sched == nil {
		return r.submit(ctx, id, expected, cmd, options)
	}
	var v Version
	err := r.sched.Do(ctx, id, func() (err error) {
		v, err = r.submit(ctx, id, expected, cmd, options)
		return err
	})
	return v, err
}

func (r *Runtime[S, E, C]) submit(ctx context.Context, id string, expected Version, cmd C, options submitOptions) (Version, error) {
	timer := r.metrics.SubmitDuration(r.aggType)
	defer timer.ObserveDuration()

	log := r.log.With(
		slog.String("id", id),
		slog.String("command", fmt.Sprintf("%T", cmd)),
		expected.SlogAttrWithKey("expected"),
	)

	cur, err := r.load(ctx, id, true)
	if err != nil {
		return 0, err
	}
	if cur.Version != expected {
		r.metrics.ConcurrencyConflict(r.aggType)
		log.Debug("stale command", cur.Version.SlogAttr())
		return 0, fmt.Errorf("%w: %s/%s expected %d, current %d", ErrConcurrencyConflict, r.aggType, id, expected, cur.Version)
	}

	events, err := r.agg.Handle(cur.State, cmd)
	if err != nil {
		if errors.Is(err, ErrDomainRuleViolation) {
			r.metrics.RuleViolation(r.aggType)
			log.Debug("command rejected", slog.Any("error", err))
		}
		return 0, err
	}
	if len(events) == 0 {
		return cur.Version, nil
	}

	now := r.clock()
	state := cur.State
	envs := make([]Envelope, 0, len(events)+1)
	var drafts []outbox.Draft
	for i, ev := range events {
		env, err := NewEnvelope(r.aggType, id, ev, now, options.agent)
		if err != nil {
			return 0, err
		}
		env.Version = expected + Version(i+1)
		state = r.agg.Apply(state, ev)
		envs = append(envs, env)

		routed, err := r.router(env)
		if err != nil {
			return 0, fmt.Errorf("route %s: %w", env.Type, err)
		}
		drafts = append(drafts, routed...)
	}

	next := expected + Version(len(events))
	if r.snapshotPolicy != nil && r.snapshotPolicy(expected, next) {
		snap, err := r.snapshotEnvelope(id, state, now)
		if err != nil {
			return 0, err
		}
		envs = append(envs, snap)
	}

	newVersion, err := r.store.Append(ctx, r.aggType, id, expected, envs, drafts...)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(r.aggType)
		}
		log.Debug("append failed", slog.Any("error", err))
		return 0, err
	}
	if len(envs) > len(events) {
		r.metrics.SnapshotTaken(r.aggType)
	}

	log.Debug("command applied",
		newVersion.SlogAttr(),
		slog.Int("events", len(events)),
		slog.Int("messages", len(drafts)),
	)
	for _, hook := range r.hooks {
		hook()
	}
	return newVersion, nil
}

// Load rebuilds the current state of an aggregate. It starts from the
// latest snapshot unless WithoutSnapshot is given.
func (r *Runtime[S, E, C]) Load(ctx context.Context, id string, opts ...LoadOption) (*Loaded[S], error) {
	var options loadOptions
	for _, opt := range opts {
		opt.applyToLoad(&options)
	}
	l, err := r.load(ctx, id, !options.noSnapshot)
	if err != nil {
		return nil, err
	}
	if l.Version == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrAggregateNotFound, r.aggType, id)
	}
	return l, nil
}

// Snapshot appends a snapshot of the current state and returns its
// version. Nothing is written if the latest event already is a snapshot.
func (r *Runtime[S, E, C]) Snapshot(ctx context.Context, id string) (Version, error) {
	l, err := r.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if l.SnapshotVersion == l.Version {
		return l.Version, nil
	}
	snap, err := r.snapshotEnvelope(id, l.State, r.clock())
	if err != nil {
		return 0, err
	}
	v, err := r.store.Append(ctx, r.aggType, id, l.Version, []Envelope{snap})
	if err != nil {
		return 0, err
	}
	r.metrics.SnapshotTaken(r.aggType)
	r.log.Debug("snapshot taken", slog.String("id", id), v.SlogAttr())
	return v, nil
}

func (r *Runtime[S, E, C]) load(ctx context.Context, id string, useSnapshot bool) (*Loaded[S], error) {
	l := &Loaded[S]{ID: id, State: r.agg.Initial()}

	if useSnapshot {
		snap, err := r.store.LoadLatestSnapshot(ctx, r.aggType, id)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			state := r.agg.Initial()
			if err := json.Unmarshal(snap.Data, &state); err != nil {
				return nil, fmt.Errorf("%w: snapshot %s/%s@%d: %w", ErrInvalidEvent, r.aggType, id, snap.Version, err)
			}
			l.State = state
			l.Version = snap.Version
			l.SnapshotVersion = snap.Version
		}
	}

	for env, err := range r.store.LoadEvents(ctx, r.aggType, id, l.Version+1) {
		if err != nil {
			return nil, err
		}
		if env.Version != l.Version+1 {
			return nil, fmt.Errorf("%w: %s/%s expected version %d, got %d", ErrCorruptStream, r.aggType, id, l.Version+1, env.Version)
		}
		l.Version = env.Version
		if env.Snapshot {
			// the events before it already produced this state
			continue
		}

		decoded, err := r.store.Registry().Decode(env)
		if err != nil {
			return nil, err
		}
		ev, ok := decoded.(E)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s decodes to %T", ErrUnknownEventType, r.aggType, env.Type, decoded)
		}
		l.State = r.agg.Apply(l.State, ev)
	}
	return l, nil
}

func (r *Runtime[S, E, C]) snapshotEnvelope(id string, state S, now time.Time) (Envelope, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode snapshot of %s/%s: %w", r.aggType, id, err)
	}
	version, _ := r.store.Registry().CurrentVersion(r.aggType, SnapshotEventType)
	return Envelope{
		ID:            newEventID(),
		AggregateType: r.aggType,
		AggregateID:   id,
		Type:          SnapshotEventType,
		SchemaVersion: version,
		Snapshot:      true,
		OccurredAt:    now.UTC(),
		Agent:         SystemAgent(),
		Data:          data,
	}, nil
}

// DefaultRouter publishes every non-snapshot event as one message addressed
// to transport.Target(aggregate type, event name). The payload is the
// envelope encoded as JSON.
func DefaultRouter(env Envelope) ([]outbox.Draft, error) {
	if env.Snapshot {
		return nil, nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return []outbox.Draft{{
		Target:  transport.Target(env.AggregateType, env.Type),
		Payload: payload,
		Headers: map[string]string{
			transport.HeaderAggregateType: env.AggregateType,
			transport.HeaderAggregateID:   env.AggregateID,
			transport.HeaderEventType:     env.Type,
			transport.HeaderVersion:       strconv.FormatUint(env.Version.Uint64(), 10),
		},
	}}, nil
}
