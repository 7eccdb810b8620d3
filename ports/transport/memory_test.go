package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTarget(t *testing.T) {
	require.Equal(t, "category.CREATED", Target("Category", "CREATED"))

	require.NoError(t, ValidateTarget("category.CREATED"))
	for _, bad := range []string{"", "category.*", "category.>", "a b"} {
		require.ErrorIs(t, ValidateTarget(bad), ErrInvalidTarget, bad)
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.ID
	}
	return out
}

func TestInMemory_FanOutInOrder(t *testing.T) {
	ctx := t.Context()
	b := NewInMemory()
	defer b.Close()

	var a, c collector
	_, err := b.Subscribe(ctx, "a", []string{"category.CREATED", "category.RENAMED"}, a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "c", []string{"category.RENAMED"}, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Message{ID: "1", Target: "category.CREATED", Payload: []byte("x")}))
	require.NoError(t, b.Publish(ctx, Message{ID: "2", Target: "category.RENAMED", Payload: []byte("y")}))
	require.NoError(t, b.Publish(ctx, Message{ID: "3", Target: "product.CREATED", Payload: []byte("z")}))

	require.Eventually(t, func() bool { return len(a.ids()) == 2 && len(c.ids()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"1", "2"}, a.ids())
	require.Equal(t, []string{"2"}, c.ids())
	require.Len(t, b.Published(), 3)

	require.ErrorIs(t, b.Publish(ctx, Message{ID: "4", Target: "category.*"}), ErrInvalidTarget)
}

func TestInMemory_Redelivers(t *testing.T) {
	ctx := t.Context()
	b := NewInMemory(WithRedeliveryDelay(time.Millisecond), WithMaxDeliveries(3))
	defer b.Close()

	var calls atomic.Int32
	_, err := b.Subscribe(ctx, "s", []string{"t.x"}, func(context.Context, Message) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{ID: "1", Target: "t.x"}))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)

	var failing atomic.Int32
	_, err = b.Subscribe(ctx, "f", []string{"t.y"}, func(context.Context, Message) error {
		failing.Add(1)
		return errors.New("never")
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{ID: "2", Target: "t.y"}))
	require.Eventually(t, func() bool { return failing.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), failing.Load(), "dropped after max deliveries")
}

func TestInMemory_StopWaitsForHandler(t *testing.T) {
	ctx := t.Context()
	b := NewInMemory()
	defer b.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	sub, err := b.Subscribe(ctx, "s", []string{"t.x"}, func(hctx context.Context, _ Message) error {
		close(entered)
		<-release
		finished.Store(hctx.Err() == nil)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{ID: "1", Target: "t.x"}))
	<-entered

	stopped := make(chan struct{})
	go func() {
		_ = sub.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while the handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	require.True(t, finished.Load(), "handler context is not cancelled by stop")

	require.NoError(t, b.Publish(ctx, Message{ID: "2", Target: "t.x"}), "publishing without subscribers succeeds")
}

func TestInMemory_Close(t *testing.T) {
	b := NewInMemory()
	_, err := b.Subscribe(t.Context(), "s", nil, nil)
	require.ErrorIs(t, err, ErrNoTargets)

	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Close(), ErrClosed)
	require.ErrorIs(t, b.Publish(t.Context(), Message{ID: "1", Target: "t.x"}), ErrClosed)
	_, err = b.Subscribe(t.Context(), "s", []string{"t.x"}, func(context.Context, Message) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}
