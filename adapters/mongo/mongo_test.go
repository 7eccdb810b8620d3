package mongo

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj/projtest"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox/inboxtest"
)

func startMongo(t *testing.T) *mongo.Client {
	ctx := t.Context()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := mongoC.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)

	client, err := Connect(ctx, endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(t.Context()) })
	return client
}

func newDatabase(client *mongo.Client) *mongo.Database {
	return client.Database("test_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10))
}

func TestMongo(t *testing.T) {
	client := startMongo(t)

	t.Run("inbox", func(t *testing.T) {
		inboxtest.Run(t, func(t *testing.T) inbox.Inbox {
			ib, err := NewInbox(t.Context(), newDatabase(client), "categories.list")
			require.NoError(t, err)
			return ib
		})
	})

	t.Run("read models", func(t *testing.T) {
		projtest.Run(t, func(t *testing.T) proj.Store {
			s, err := NewReadModelStore(t.Context(), newDatabase(client))
			require.NoError(t, err)
			return s
		})
	})

	t.Run("read model data must be an object", func(t *testing.T) {
		s, err := NewReadModelStore(t.Context(), newDatabase(client))
		require.NoError(t, err)
		_, err = s.Upsert(t.Context(), proj.Doc{Name: "n", ID: "1", Version: 1, Data: []byte(`[1,2]`)})
		require.Error(t, err)
	})
}
