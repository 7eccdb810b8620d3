// Package projtest holds behavioural tests every read model store must pass.
package projtest

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
)

// Run exercises a store. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) proj.Store) {
	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(t.Context(), "categories", "c1")
		require.ErrorIs(t, err, proj.ErrNotFound)
	})

	t.Run("upsert is version guarded", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		applied, err := s.Upsert(ctx, doc("categories", "c1", 2, `{"name":"Tops"}`))
		require.NoError(t, err)
		require.True(t, applied)

		for _, v := range []uint64{1, 2} {
			applied, err = s.Upsert(ctx, doc("categories", "c1", v, `{"name":"stale"}`))
			require.NoError(t, err)
			require.False(t, applied, "version %d", v)
		}

		got, err := s.Get(ctx, "categories", "c1")
		require.NoError(t, err)
		require.EqualValues(t, 2, got.Version)
		require.JSONEq(t, `{"name":"Tops"}`, string(got.Data))
		require.False(t, got.Deleted)

		applied, err = s.Upsert(ctx, doc("categories", "c1", 5, `{"name":"Shirts"}`))
		require.NoError(t, err)
		require.True(t, applied)

		_, err = s.Get(ctx, "products", "c1")
		require.ErrorIs(t, err, proj.ErrNotFound, "names are separate")
	})

	t.Run("tombstones", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		_, err := s.Upsert(ctx, doc("categories", "c1", 1, `{"name":"Tops"}`))
		require.NoError(t, err)

		tomb := doc("categories", "c1", 2, "")
		tomb.Deleted = true
		applied, err := s.Upsert(ctx, tomb)
		require.NoError(t, err)
		require.True(t, applied)

		got, err := s.Get(ctx, "categories", "c1")
		require.NoError(t, err)
		require.True(t, got.Deleted)
		require.EqualValues(t, 2, got.Version)

		page, err := s.Find(ctx, "categories", proj.Query{})
		require.NoError(t, err)
		require.Empty(t, page.Docs)
		require.Zero(t, page.Total)

		applied, err = s.Upsert(ctx, doc("categories", "c1", 2, `{"name":"late"}`))
		require.NoError(t, err)
		require.False(t, applied)
	})

	t.Run("find matches and pages", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		for i := range 5 {
			group := "CLOTHING"
			if i%2 == 1 {
				group = "NONE"
			}
			data := fmt.Sprintf(`{"name":"cat-%d","group":%q,"tags":%d,"active":true}`, i, group, i)
			_, err := s.Upsert(ctx, doc("categories", fmt.Sprintf("c%d", i), 1, data))
			require.NoError(t, err)
		}
		_, err := s.Upsert(ctx, doc("products", "p1", 1, `{"group":"CLOTHING"}`))
		require.NoError(t, err)

		page, err := s.Find(ctx, "categories", proj.Query{})
		require.NoError(t, err)
		require.Equal(t, 5, page.Total)
		require.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, ids(page))

		page, err = s.Find(ctx, "categories", proj.Query{Match: map[string]any{"group": "CLOTHING"}})
		require.NoError(t, err)
		require.Equal(t, []string{"c0", "c2", "c4"}, ids(page))

		page, err = s.Find(ctx, "categories", proj.Query{Match: map[string]any{"group": "CLOTHING"}, Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Equal(t, 3, page.Total)
		require.Equal(t, []string{"c2"}, ids(page))

		page, err = s.Find(ctx, "categories", proj.Query{Match: map[string]any{"tags": 3, "active": true}})
		require.NoError(t, err)
		require.Equal(t, []string{"c3"}, ids(page))

		page, err = s.Find(ctx, "categories", proj.Query{Match: map[string]any{"group": "SHOES"}})
		require.NoError(t, err)
		require.Empty(t, page.Docs)

		page, err = s.Find(ctx, "categories", proj.Query{Offset: 10})
		require.NoError(t, err)
		require.Empty(t, page.Docs)
		require.Equal(t, 5, page.Total)
	})
}

func doc(name, id string, version uint64, data string) proj.Doc {
	d := proj.Doc{
		Name:      name,
		ID:        id,
		Version:   es.Version(version),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if data != "" {
		d.Data = json.RawMessage(data)
	}
	return d
}

func ids(p proj.Page) []string {
	out := make([]string, len(p.Docs))
	for i, d := range p.Docs {
		out[i] = d.ID
	}
	return out
}
