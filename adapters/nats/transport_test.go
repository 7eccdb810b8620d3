package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

type received struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *received) add(m transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *received) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.ID
	}
	return out
}

func TestTransport(t *testing.T) {
	connect := NewTestContainer(t)

	newTransport := func(t *testing.T) *Transport {
		tp, err := NewTransport(t.Context(), TransportConfig{
			Connect:         connect,
			StreamName:      bucketName("EVENTS"),
			SubjectPrefix:   bucketName("ev"),
			RedeliveryDelay: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tp.Close() })
		return tp
	}

	t.Run("delivers in order with headers", func(t *testing.T) {
		tp := newTransport(t)
		var got received

		sub, err := tp.Subscribe(t.Context(), "categories.list", []string{"category.CREATED", "category.RENAMED"},
			func(_ context.Context, msg transport.Message) error {
				got.add(msg)
				return nil
			})
		require.NoError(t, err)
		defer func() { _ = sub.Stop() }()

		for _, m := range []transport.Message{
			{ID: "m1", Target: "category.CREATED", Payload: []byte(`{}`), Headers: map[string]string{transport.HeaderAggregateID: "c1"}},
			{ID: "m2", Target: "category.DELETED", Payload: []byte(`{}`)},
			{ID: "m3", Target: "category.RENAMED", Payload: []byte(`{}`)},
		} {
			require.NoError(t, tp.Publish(t.Context(), m))
		}

		require.Eventually(t, func() bool { return len(got.ids()) == 2 }, 5*time.Second, 20*time.Millisecond)
		require.Equal(t, []string{"m1", "m3"}, got.ids())

		got.mu.Lock()
		first := got.msgs[0]
		got.mu.Unlock()
		require.Equal(t, "category.CREATED", first.Target)
		require.Equal(t, "c1", first.Header(transport.HeaderAggregateID))
	})

	t.Run("server drops duplicate message ids", func(t *testing.T) {
		tp := newTransport(t)
		var got received

		sub, err := tp.Subscribe(t.Context(), "dedup", []string{"category.CREATED"},
			func(_ context.Context, msg transport.Message) error {
				got.add(msg)
				return nil
			})
		require.NoError(t, err)
		defer func() { _ = sub.Stop() }()

		msg := transport.Message{ID: "same", Target: "category.CREATED", Payload: []byte(`{}`)}
		require.NoError(t, tp.Publish(t.Context(), msg))
		require.NoError(t, tp.Publish(t.Context(), msg))
		require.NoError(t, tp.Publish(t.Context(), transport.Message{ID: "other", Target: "category.CREATED", Payload: []byte(`{}`)}))

		require.Eventually(t, func() bool { return len(got.ids()) == 2 }, 5*time.Second, 20*time.Millisecond)
		require.Never(t, func() bool { return len(got.ids()) > 2 }, 300*time.Millisecond, 50*time.Millisecond)
		require.Equal(t, []string{"same", "other"}, got.ids())
	})

	t.Run("redelivers after handler error", func(t *testing.T) {
		tp := newTransport(t)
		var calls atomic.Int32

		sub, err := tp.Subscribe(t.Context(), "flaky", []string{"category.CREATED"},
			func(context.Context, transport.Message) error {
				if calls.Add(1) == 1 {
					return errors.New("boom")
				}
				return nil
			})
		require.NoError(t, err)
		defer func() { _ = sub.Stop() }()

		require.NoError(t, tp.Publish(t.Context(), transport.Message{ID: "m1", Target: "category.CREATED", Payload: []byte(`{}`)}))
		require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		tp := newTransport(t)
		err := tp.Publish(t.Context(), transport.Message{ID: "m1", Target: "bad target", Payload: []byte(`{}`)})
		require.ErrorIs(t, err, transport.ErrInvalidTarget)

		_, err = tp.Subscribe(t.Context(), "none", nil, func(context.Context, transport.Message) error { return nil })
		require.ErrorIs(t, err, transport.ErrNoTargets)
	})

	t.Run("closed", func(t *testing.T) {
		tp := newTransport(t)
		require.NoError(t, tp.Close())
		require.ErrorIs(t, tp.Close(), transport.ErrClosed)
		err := tp.Publish(t.Context(), transport.Message{ID: "m1", Target: "category.CREATED", Payload: []byte(`{}`)})
		require.ErrorIs(t, err, transport.ErrClosed)
	})
}
