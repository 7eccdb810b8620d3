package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj/projtest"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox/inboxtest"
)

func TestPostgres(t *testing.T) {
	srv := NewTestContainer(t)

	t.Run("storage", func(t *testing.T) {
		estests.RunStorage(t, func(t *testing.T) estests.Backend {
			return NewStore(srv.Database(t), nil)
		})
	})

	t.Run("inbox", func(t *testing.T) {
		inboxtest.Run(t, func(t *testing.T) inbox.Inbox {
			return NewInbox(srv.Database(t), "categories.list")
		})
	})

	t.Run("inboxes of consumers are separate", func(t *testing.T) {
		pool := srv.Database(t)
		a, b := NewInbox(pool, "a"), NewInbox(pool, "b")
		now := time.Now()

		res, err := a.TryInsert(t.Context(), "m1", now)
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		res, err = b.TryInsert(t.Context(), "m1", now)
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)
	})

	t.Run("read models", func(t *testing.T) {
		projtest.Run(t, func(t *testing.T) proj.Store {
			return NewReadModelStore(srv.Database(t))
		})
	})

	t.Run("migrate is idempotent", func(t *testing.T) {
		pool := srv.Database(t)
		require.NoError(t, Migrate(pool.Config().ConnConfig.ConnString(), nil))
	})
}
