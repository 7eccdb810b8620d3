package kafka

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

func TestMessageMapping(t *testing.T) {
	msg := transport.Message{
		ID:      "m1",
		Target:  "category.CREATED",
		Payload: []byte(`{"name":"Tops"}`),
		Headers: map[string]string{
			transport.HeaderAggregateID: "c1",
			transport.HeaderVersion:     "3",
		},
	}

	km := toKafka("kk.category.CREATED", msg)
	require.Equal(t, "kk.category.CREATED", km.Topic)
	require.Equal(t, []byte("c1"), km.Key)
	require.Len(t, km.Headers, 3)

	back := fromKafka("kk", km)
	require.Equal(t, "m1", back.ID)
	require.Equal(t, "category.CREATED", back.Target)
	require.Equal(t, msg.Payload, back.Payload)
	require.Equal(t, "3", back.Header(transport.HeaderVersion))
}

func TestPartitionKey_FallsBackToMessageID(t *testing.T) {
	require.Equal(t, []byte("m1"), partitionKey(transport.Message{ID: "m1"}))
}

func TestNewTransport_RequiresBrokers(t *testing.T) {
	_, err := NewTransport(TransportConfig{})
	require.Error(t, err)
}

func TestTransport_ValidatesBeforeWriting(t *testing.T) {
	tp, err := NewTransport(TransportConfig{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)

	err = tp.Publish(t.Context(), transport.Message{ID: "m1", Target: "bad target"})
	require.ErrorIs(t, err, transport.ErrInvalidTarget)

	_, err = tp.Subscribe(t.Context(), "g", nil, func(context.Context, transport.Message) error { return nil })
	require.ErrorIs(t, err, transport.ErrNoTargets)

	require.NoError(t, tp.Close())
	require.ErrorIs(t, tp.Publish(t.Context(), transport.Message{ID: "m1", Target: "a.B"}), transport.ErrClosed)
}

// TestTransport_Broker needs a broker, e.g. KAFKA_BROKERS=localhost:9092.
func TestTransport_Broker(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}

	prefix := "test-" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8)
	tp, err := NewTransport(TransportConfig{
		Brokers:     strings.Split(brokers, ","),
		TopicPrefix: prefix,
		RetryDelay:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = tp.Close() }()

	target := "category.CREATED"
	conn, err := kafka.Dial("tcp", strings.Split(brokers, ",")[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: prefix + "." + target, NumPartitions: 1, ReplicationFactor: 1}))
	require.NoError(t, conn.Close())

	var (
		mu    sync.Mutex
		got   []string
		fails = 1
	)
	sub, err := tp.Subscribe(t.Context(), prefix+"-group", []string{target}, func(_ context.Context, msg transport.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			return context.DeadlineExceeded
		}
		got = append(got, msg.ID)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, tp.Publish(t.Context(), transport.Message{
			ID:      id,
			Target:  target,
			Payload: []byte(`{}`),
			Headers: map[string]string{transport.HeaderAggregateID: "c1"},
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 30*time.Second, 100*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"m1", "m2", "m3"}, got, "a failed message is retried before later ones")
	mu.Unlock()
}
