// Package inboxtest holds behavioural tests every inbox backend must pass.
package inboxtest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

type Option func(*config)

type config struct {
	prune bool
}

// WithoutPrune skips the prune test for backends that expire entries on
// their own.
func WithoutPrune() Option { return func(c *config) { c.prune = false } }

// Run exercises a backend. newInbox must return an empty inbox for each call.
func Run(t *testing.T, newInbox func(t *testing.T) inbox.Inbox, opts ...Option) {
	cfg := config{prune: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	t.Run("second insert is already seen", func(t *testing.T) {
		ib := newInbox(t)
		now := time.Now()

		res, err := ib.TryInsert(t.Context(), "msg-1", now)
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		res, err = ib.TryInsert(t.Context(), "msg-1", now.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, inbox.AlreadySeen, res)

		res, err = ib.TryInsert(t.Context(), "msg-2", now)
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)
	})

	t.Run("seen reports recorded messages only", func(t *testing.T) {
		ib := newInbox(t)

		seen, err := ib.Seen(t.Context(), "msg-1")
		require.NoError(t, err)
		require.False(t, seen)

		// looking does not record
		res, err := ib.TryInsert(t.Context(), "msg-1", time.Now())
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		seen, err = ib.Seen(t.Context(), "msg-1")
		require.NoError(t, err)
		require.True(t, seen)

		require.NoError(t, ib.Forget(t.Context(), "msg-1"))
		seen, err = ib.Seen(t.Context(), "msg-1")
		require.NoError(t, err)
		require.False(t, seen)
	})

	t.Run("concurrent inserts admit exactly one", func(t *testing.T) {
		ib := newInbox(t)

		const n = 32
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			seen     int
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := ib.TryInsert(t.Context(), "contended", time.Now())
				if err != nil {
					t.Errorf("try insert: %s", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				switch res {
				case inbox.Inserted:
					inserted++
				case inbox.AlreadySeen:
					seen++
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, inserted)
		require.Equal(t, n-1, seen)
	})

	t.Run("forget allows reprocessing", func(t *testing.T) {
		ib := newInbox(t)

		res, err := ib.TryInsert(t.Context(), "msg-1", time.Now())
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		require.NoError(t, ib.Forget(t.Context(), "msg-1"))

		res, err = ib.TryInsert(t.Context(), "msg-1", time.Now())
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)
	})

	t.Run("empty message id", func(t *testing.T) {
		ib := newInbox(t)
		_, err := ib.TryInsert(t.Context(), "", time.Now())
		require.ErrorIs(t, err, inbox.ErrInvalidMessageID)
		_, err = ib.Seen(t.Context(), "")
		require.ErrorIs(t, err, inbox.ErrInvalidMessageID)
	})

	if !cfg.prune {
		return
	}

	t.Run("prune by received at", func(t *testing.T) {
		ib := newInbox(t)
		old := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Millisecond)
		recent := time.Now().UTC().Truncate(time.Millisecond)

		for _, id := range []string{"old-1", "old-2"} {
			_, err := ib.TryInsert(t.Context(), id, old)
			require.NoError(t, err)
		}
		_, err := ib.TryInsert(t.Context(), "recent", recent)
		require.NoError(t, err)

		n, err := ib.Prune(t.Context(), recent.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		res, err := ib.TryInsert(t.Context(), "old-1", recent)
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		res, err = ib.TryInsert(t.Context(), "recent", recent)
		require.NoError(t, err)
		require.Equal(t, inbox.AlreadySeen, res)
	})
}
