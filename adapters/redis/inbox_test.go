package redis

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox/inboxtest"
)

func startRedis(t *testing.T) *redis.Client {
	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	addr, err := redisC.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestInbox(t *testing.T) {
	client := startRedis(t)

	inboxtest.Run(t, func(t *testing.T) inbox.Inbox {
		return NewInbox(client, "c-"+gonanoid.Must(8), 0)
	}, inboxtest.WithoutPrune())

	t.Run("entries expire", func(t *testing.T) {
		ib := NewInbox(client, "c-"+gonanoid.Must(8), 50*time.Millisecond)

		res, err := ib.TryInsert(t.Context(), "m1", time.Now())
		require.NoError(t, err)
		require.Equal(t, inbox.Inserted, res)

		require.Eventually(t, func() bool {
			res, err := ib.TryInsert(t.Context(), "m1", time.Now())
			return err == nil && res == inbox.Inserted
		}, 5*time.Second, 50*time.Millisecond)
	})
}
