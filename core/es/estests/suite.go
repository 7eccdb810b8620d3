// Package estests holds the conformance suite every storage backend runs
// and end-to-end tests of the event store against the category domain.
package estests

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests/domain"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// Backend is a storage that also holds the outbox.
type Backend interface {
	es.Storage
	outbox.Store
}

// RunStorage exercises a backend. newBackend is called once per subtest and
// must return a backend that shares no aggregates or outbox entries with
// earlier calls.
func RunStorage(t *testing.T, newBackend func(t *testing.T) Backend) {
	newEnv := func(t *testing.T) (Backend, *es.TestingEnv) {
		b := newBackend(t)
		env := es.StartTestEnv(t, append(domain.EnvOptions(), es.WithStorage(b))...)
		return b, env
	}

	t.Run("append assigns consecutive versions", func(t *testing.T) {
		_, env := newEnv(t)
		ctx := t.Context()
		id := newID()

		env.Assert().Append(ctx, 0, domain.AggregateType, id, domain.Created{Name: "Shirts", Group: domain.GroupClothing})
		env.Assert().Append(ctx, 1, domain.AggregateType, id, domain.Renamed{Name: "Tops"}, domain.TagAdded{Tag: "summer"})
		env.Assert().Versions(ctx, domain.AggregateType, id, 1, 2, 3)

		stream := env.Assert().Stream(ctx, domain.AggregateType, id)
		require.Equal(t, "CREATED", stream[0].Type)
		require.Equal(t, 1, stream[0].SchemaVersion)
		require.Equal(t, id, stream[0].AggregateID)
		require.Equal(t, domain.AggregateType, stream[0].AggregateType)
		require.Equal(t, es.AgentSystem, stream[0].Agent.Type)
		require.JSONEq(t, `{"name":"Tops"}`, string(stream[1].Data))
		require.Equal(t, "TAG_ADDED", stream[2].Type)
	})

	t.Run("load from version", func(t *testing.T) {
		_, env := newEnv(t)
		ctx := t.Context()
		id := newID()
		env.Assert().Append(ctx, 0, domain.AggregateType, id,
			domain.Created{Name: "a"}, domain.Renamed{Name: "b"}, domain.Renamed{Name: "c"})

		var got []es.Version
		for e, err := range env.Store().LoadEvents(ctx, domain.AggregateType, id, 2) {
			require.NoError(t, err)
			got = append(got, e.Version)
		}
		require.Equal(t, []es.Version{2, 3}, got)

		for _, err := range env.Store().LoadEvents(ctx, domain.AggregateType, newID(), 1) {
			require.NoError(t, err)
			t.Fatal("unknown aggregate must have no events")
		}
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		_, env := newEnv(t)
		ctx := t.Context()
		id := newID()
		env.Assert().Append(ctx, 0, domain.AggregateType, id, domain.Created{Name: "a"})

		for _, expected := range []es.Version{0, 2} {
			env1, err := es.NewEnvelope(domain.AggregateType, id, domain.Renamed{Name: "b"}, time.Now(), es.SystemAgent())
			require.NoError(t, err)
			_, err = env.Store().Append(ctx, domain.AggregateType, id, expected, []es.Envelope{env1})
			require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		}
		env.Assert().Versions(ctx, domain.AggregateType, id, 1)
	})

	t.Run("concurrent appends admit exactly one", func(t *testing.T) {
		_, env := newEnv(t)
		ctx := t.Context()
		id := newID()
		env.Assert().Append(ctx, 0, domain.AggregateType, id, domain.Created{Name: "a"})

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := es.NewEnvelope(domain.AggregateType, id, domain.TagAdded{Tag: string(rune('a' + i))}, time.Now(), es.SystemAgent())
				if err != nil {
					panic(err)
				}
				_, err = env.Store().Append(ctx, domain.AggregateType, id, 1, []es.Envelope{e})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, es.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, ok)
		require.Equal(t, n-1, conflicts)
		env.Assert().Versions(ctx, domain.AggregateType, id, 1, 2)
	})

	t.Run("latest snapshot", func(t *testing.T) {
		b, env := newEnv(t)
		ctx := t.Context()
		id := newID()

		_, err := b.LatestSnapshot(ctx, domain.AggregateType, id)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		rt, err := es.NewRuntime(env.Store(), domain.Aggregate{}, es.WithSnapshotEvery(2))
		require.NoError(t, err)

		v, err := rt.Submit(ctx, id, 0, domain.Create{Name: "Shirts"})
		require.NoError(t, err)
		require.Equal(t, es.Version(1), v)

		v, err = rt.Submit(ctx, id, v, domain.Rename{Name: "Tops"})
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v, "snapshot takes version 3")

		snap, err := b.LatestSnapshot(ctx, domain.AggregateType, id)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), snap.Version)
		require.True(t, snap.Snapshot)
		require.Equal(t, es.SnapshotEventType, snap.Type)

		var state domain.State
		require.NoError(t, json.Unmarshal(snap.Data, &state))
		require.Equal(t, "Tops", state.Name)
	})

	t.Run("rejected outbox entry rolls back events", func(t *testing.T) {
		b, env := newEnv(t)
		ctx := t.Context()
		id := newID()

		e, err := es.NewEnvelope(domain.AggregateType, id, domain.Created{Name: "a"}, time.Now(), es.SystemAgent())
		require.NoError(t, err)

		_, err = env.Store().Append(ctx, domain.AggregateType, id, 0, []es.Envelope{e},
			outbox.Draft{ID: id + "-ok", Target: "category.CREATED", Payload: []byte(`{}`)},
			outbox.Draft{ID: id + "-bad", Target: "", Payload: []byte(`{}`)},
		)
		require.ErrorIs(t, err, outbox.ErrInvalidEntry)

		for _, err := range env.Store().LoadEvents(ctx, domain.AggregateType, id, 1) {
			require.NoError(t, err)
			t.Fatal("no event may be stored")
		}
		require.Empty(t, claimAll(t, b, time.Now().Add(time.Hour)))
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		b, env := newEnv(t)
		ctx := t.Context()
		id := newID()
		e, err := es.NewEnvelope(domain.AggregateType, id, domain.Created{Name: "a"}, time.Now(), es.SystemAgent())
		require.NoError(t, err)
		_, err = env.Store().Append(ctx, domain.AggregateType, id, 0, []es.Envelope{e},
			outbox.Draft{ID: id + "-1", Target: "category.CREATED", Payload: []byte(`1`), Headers: map[string]string{"k": "v"}},
			outbox.Draft{ID: id + "-2", Target: "category.CREATED", Payload: []byte(`2`)},
			outbox.Draft{ID: id + "-3", Target: "category.CREATED", Payload: []byte(`3`)},
		)
		require.NoError(t, err)

		// entries become due at their creation time, which is the store's clock
		at := time.Now().Add(time.Second)
		lease := 30 * time.Second

		claimed, err := b.Claim(ctx, "relay-1", 10, lease, at)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		for i, c := range claimed {
			require.Equal(t, 1, c.Attempts)
			require.Equal(t, "relay-1", c.ClaimedBy)
			if i > 0 {
				require.Greater(t, c.Seq, claimed[i-1].Seq)
			}
		}
		require.Equal(t, id+"-1", claimed[0].ID)
		require.Equal(t, []byte(`1`), claimed[0].Payload)
		require.Equal(t, "v", claimed[0].Headers["k"])

		other, err := b.Claim(ctx, "relay-2", 10, lease, at)
		require.NoError(t, err)
		require.Empty(t, other, "leased entries are invisible to other claimers")

		require.NoError(t, b.MarkPublished(ctx, id+"-1", "relay-1", at))
		require.NoError(t, b.MarkFailed(ctx, id+"-2", "relay-1", "boom", at.Add(time.Minute)))
		require.NoError(t, b.Release(ctx, "relay-1", id+"-3"))

		claimed, err = b.Claim(ctx, "relay-2", 10, lease, at)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, id+"-3", claimed[0].ID)
		require.Equal(t, 1, claimed[0].Attempts, "release does not count as an attempt")

		require.ErrorIs(t, b.MarkFailed(ctx, id+"-3", "relay-1", "not mine", at), outbox.ErrNotClaimed)

		// after the lease of relay-2 ran out and the retry is due
		later := at.Add(2 * time.Minute)
		claimed, err = b.Claim(ctx, "relay-3", 10, lease, later)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.Equal(t, id+"-2", claimed[0].ID)
		require.Equal(t, 2, claimed[0].Attempts)
		require.Equal(t, "boom", claimed[0].LastError)
		require.Equal(t, id+"-3", claimed[1].ID)
		require.Equal(t, 2, claimed[1].Attempts)

		for _, c := range claimed {
			require.NoError(t, b.MarkPublished(ctx, c.ID, "relay-3", later))
		}
		require.NoError(t, b.MarkPublished(ctx, id+"-1", "relay-1", later), "marking twice is harmless")

		n, err := b.PrunePublished(ctx, at.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = b.PrunePublished(ctx, later.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		claimed, err = b.Claim(ctx, "relay-4", 10, lease, later.Add(time.Hour))
		require.NoError(t, err)
		require.Empty(t, claimed)
	})
}

// claimAll leases every entry due at now.
func claimAll(t *testing.T, b Backend, now time.Time) []outbox.Entry {
	t.Helper()
	var all []outbox.Entry
	for {
		batch, err := b.Claim(t.Context(), "probe", 100, time.Hour, now)
		require.NoError(t, err)
		if len(batch) == 0 {
			return all
		}
		all = append(all, batch...)
	}
}

func newID() string { return gonanoid.Must(10) }
