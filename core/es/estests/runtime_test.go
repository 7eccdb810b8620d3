package estests

import (
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests/domain"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

type categories = es.Runtime[domain.State, domain.Event, domain.Command]

func newRuntime(t *testing.T, opts ...es.RuntimeOption) (*es.TestingEnv, *es.InMemoryStore, *categories) {
	t.Helper()
	store := es.NewInMemoryStore()
	env := es.StartTestEnv(t, append(domain.EnvOptions(), es.WithStorage(store))...)
	rt, err := es.NewRuntime(env.Store(), domain.Aggregate{}, opts...)
	require.NoError(t, err)
	return env, store, rt
}

func TestRuntime_Lifecycle(t *testing.T) {
	ctx := t.Context()
	_, store, rt := newRuntime(t)

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts", Group: domain.GroupClothing}, es.WithAgent(es.UserAgent("u1")))
	require.NoError(t, err)
	require.Equal(t, es.Version(1), v)

	v, err = rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	_, err = rt.Submit(ctx, "c1", 1, domain.Rename{Name: "Blouses"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	l, err := rt.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), l.Version)
	require.Equal(t, "Tops", l.State.Name)
	require.Equal(t, domain.GroupClothing, l.State.Group)
	require.Equal(t, 1, l.State.Renames)

	entries := store.OutboxEntries()
	require.Len(t, entries, 2)
	require.Equal(t, "category.CREATED", entries[0].Target)
	require.Equal(t, "category.RENAMED", entries[1].Target)
	require.Equal(t, "c1", entries[1].Headers[transport.HeaderAggregateID])
	require.Equal(t, "2", entries[1].Headers[transport.HeaderVersion])

	var first es.Envelope
	require.NoError(t, json.Unmarshal(entries[0].Payload, &first))
	require.Equal(t, es.UserAgent("u1"), first.Agent)
	require.Equal(t, es.Version(1), first.Version)
}

func TestRuntime_RuleViolationsAppendNothing(t *testing.T) {
	ctx := t.Context()
	env, store, rt := newRuntime(t)

	_, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "  "})
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)

	_, err = rt.Submit(ctx, "c1", 0, domain.Rename{Name: "x"})
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	for i := range domain.MaxTags {
		v, err = rt.Submit(ctx, "c1", v, domain.AddTag{Tag: strconv.Itoa(i)})
		require.NoError(t, err)
	}
	_, err = rt.Submit(ctx, "c1", v, domain.AddTag{Tag: "one-too-many"})
	var violation *es.RuleViolation
	require.ErrorAs(t, err, &violation)
	require.Contains(t, violation.Reason, "tags")

	require.Len(t, env.Assert().Stream(ctx, domain.AggregateType, "c1"), 1+domain.MaxTags)
	require.Len(t, store.OutboxEntries(), 1+domain.MaxTags)
}

func TestRuntime_NoEventsKeepsVersion(t *testing.T) {
	ctx := t.Context()
	_, store, rt := newRuntime(t)

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)

	v2, err := rt.Submit(ctx, "c1", v, domain.Rename{Name: "Shirts"})
	require.NoError(t, err)
	require.Equal(t, v, v2)
	require.Len(t, store.OutboxEntries(), 1)
}

func TestRuntime_LoadUnknown(t *testing.T) {
	_, _, rt := newRuntime(t)
	_, err := rt.Load(t.Context(), "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestRuntime_SnapshotEquivalence(t *testing.T) {
	ctx := t.Context()
	env, store, rt := newRuntime(t, es.WithSnapshotEvery(3))

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	for i := range 5 {
		v, err = rt.Submit(ctx, "c1", v, domain.AddTag{Tag: strconv.Itoa(i)})
		require.NoError(t, err)
	}
	v, err = rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.NoError(t, err)

	fromSnapshot, err := rt.Load(ctx, "c1")
	require.NoError(t, err)
	replayed, err := rt.Load(ctx, "c1", es.WithoutSnapshot())
	require.NoError(t, err)

	require.Equal(t, v, fromSnapshot.SnapshotVersion)
	require.Zero(t, replayed.SnapshotVersion)
	require.Equal(t, replayed.State, fromSnapshot.State)
	require.Equal(t, replayed.Version, fromSnapshot.Version)
	require.Equal(t, v, fromSnapshot.Version)

	var snapshots int
	for _, e := range env.Assert().Stream(ctx, domain.AggregateType, "c1") {
		if e.Snapshot {
			snapshots++
		}
	}
	require.Equal(t, 3, snapshots)

	for _, e := range store.OutboxEntries() {
		require.NotEqual(t, "category."+es.SnapshotEventType, e.Target, "snapshots are not published")
	}
}

func TestRuntime_SnapshotOnDemand(t *testing.T) {
	ctx := t.Context()
	_, _, rt := newRuntime(t)

	_, err := rt.Snapshot(ctx, "c1")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)

	sv, err := rt.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, v+1, sv)

	again, err := rt.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, sv, again, "snapshot of a snapshot is a no-op")

	l, err := rt.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, sv, l.SnapshotVersion)
	require.Equal(t, "Shirts", l.State.Name)

	// a command after the snapshot must be issued against its version
	_, err = rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	_, err = rt.Submit(ctx, "c1", sv, domain.Rename{Name: "Tops"})
	require.NoError(t, err)
}

func TestRuntime_SnapshotRequiresSnapshotEvent(t *testing.T) {
	env := es.StartTestEnv(t, es.WithEvents(domain.AggregateType, domain.Aggregate{}.Events()...))
	_, err := es.NewRuntime(env.Store(), domain.Aggregate{}, es.WithSnapshotEvery(10))
	require.ErrorIs(t, err, es.ErrUnknownEventType)
}

func TestRuntime_UpgradesOldEvents(t *testing.T) {
	ctx := t.Context()
	_, store, rt := newRuntime(t)

	appendRaw(t, store, "legacy", es.Envelope{
		Type:          "CREATED",
		SchemaVersion: 0,
		Data:          json.RawMessage(`{"name":"Old"}`),
	})

	l, err := rt.Load(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, "Old", l.State.Name)
	require.Equal(t, domain.GroupNone, l.State.Group)

	v, err := rt.Submit(ctx, "legacy", l.Version, domain.Rename{Name: "New"})
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)
}

func TestRuntime_UnresolvableSchemaFails(t *testing.T) {
	ctx := t.Context()
	_, store, rt := newRuntime(t)

	appendRaw(t, store, "future", es.Envelope{
		Type:          "CREATED",
		SchemaVersion: 7,
		Data:          json.RawMessage(`{"name":"x"}`),
	})

	_, err := rt.Load(ctx, "future")
	require.ErrorIs(t, err, es.ErrUnresolvablePatchChain)
}

func TestRuntime_CorruptStream(t *testing.T) {
	ctx := t.Context()
	_, store, rt := newRuntime(t)

	require.NoError(t, store.Atomic(ctx, func(tx es.Tx) error {
		_, err := tx.Append(ctx, domain.AggregateType, "gap", 0, []es.Envelope{rawEnvelope("gap", 1, "CREATED", 1, `{"name":"a"}`)})
		return err
	}))
	require.NoError(t, store.Atomic(ctx, func(tx es.Tx) error {
		_, err := tx.Append(ctx, domain.AggregateType, "gap", 1, []es.Envelope{
			rawEnvelope("gap", 2, "RENAMED", 0, `{"name":"b"}`),
			rawEnvelope("gap", 3, "RENAMED", 0, `{"name":"c"}`),
		})
		return err
	}))

	// a backend that lost version 2 hands out 1, 3
	gappy := &gappyStorage{InMemoryStore: store, skip: 2}
	env, err := es.NewEnv(append(domain.EnvOptions(), es.WithStorage(gappy))...)
	require.NoError(t, err)
	rt2, err := es.NewRuntime(env.Store(), domain.Aggregate{})
	require.NoError(t, err)

	_, err = rt2.Load(ctx, "gap")
	require.ErrorIs(t, err, es.ErrCorruptStream)

	l, err := rt.Load(ctx, "gap")
	require.NoError(t, err)
	require.Equal(t, "c", l.State.Name)
}

func TestRuntime_CommitHookAndRouter(t *testing.T) {
	ctx := t.Context()
	var commits atomic.Int32
	router := func(env es.Envelope) ([]outbox.Draft, error) {
		if env.Type != "DELETED" {
			return nil, nil
		}
		return []outbox.Draft{{Target: "catalog.category-removed", Payload: []byte(env.AggregateID)}}, nil
	}
	_, store, rt := newRuntime(t, es.WithRouter(router), es.WithCommitHook(func() { commits.Add(1) }))

	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	_, err = rt.Submit(ctx, "c1", v, domain.Delete{})
	require.NoError(t, err)
	_, err = rt.Submit(ctx, "c1", v+1, domain.Rename{Name: "x"})
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)

	require.Equal(t, int32(2), commits.Load())
	entries := store.OutboxEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "catalog.category-removed", entries[0].Target)
	require.Equal(t, []byte("c1"), entries[0].Payload)
}

func TestRuntime_SerializedCommands(t *testing.T) {
	ctx := t.Context()
	_, _, rt := newRuntime(t, es.WithSerializedCommands())

	_, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)

	const n = 6
	results := make(chan error, n)
	for i := range n {
		go func() {
			_, err := rt.Submit(ctx, "c1", 1, domain.AddTag{Tag: strconv.Itoa(i)})
			results <- err
		}()
	}
	var ok, conflicts int
	for range n {
		switch err := <-results; {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, es.ErrConcurrencyConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
}

func TestNewEnv_RejectsBrokenPatchChain(t *testing.T) {
	_, err := es.NewEnv(
		es.WithAggregates(domain.Aggregate{}),
		es.WithPatches(es.Patch{
			AggregateType: domain.AggregateType,
			EventName:     "RENAMED",
			From:          0,
			To:            2,
			Transform:     es.RemoveField("legacy"),
		}),
	)
	require.ErrorIs(t, err, es.ErrUnresolvablePatchChain)
}

// === helpers ===

func rawEnvelope(aggID string, v es.Version, typ string, schema int, data string) es.Envelope {
	return es.Envelope{
		ID:            aggID + "-" + strconv.FormatUint(v.Uint64(), 10),
		Version:       v,
		AggregateType: domain.AggregateType,
		AggregateID:   aggID,
		Type:          typ,
		SchemaVersion: schema,
		OccurredAt:    time.Now().UTC(),
		Agent:         es.SystemAgent(),
		Data:          json.RawMessage(data),
	}
}

// appendRaw stores an event as an older release would have written it.
func appendRaw(t *testing.T, store es.Storage, aggID string, e es.Envelope) {
	t.Helper()
	e = rawEnvelope(aggID, 1, e.Type, e.SchemaVersion, string(e.Data))
	require.NoError(t, store.Atomic(t.Context(), func(tx es.Tx) error {
		_, err := tx.Append(t.Context(), domain.AggregateType, aggID, 0, []es.Envelope{e})
		return err
	}))
}

type gappyStorage struct {
	*es.InMemoryStore
	skip es.Version
}

func (g *gappyStorage) Load(ctx context.Context, aggType, aggID string, from es.Version) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		for e, err := range g.InMemoryStore.Load(ctx, aggType, aggID, from) {
			if err == nil && e.Version == g.skip {
				continue
			}
			if !yield(e, err) {
				return
			}
		}
	}
}
