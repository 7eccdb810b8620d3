// Package kafka carries outbox messages over Kafka. Each target maps to a
// topic and messages are keyed by aggregate id, so the events of one
// aggregate stay in one partition and keep their order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

const defaultTopicPrefix = "kicherkrabbe"

type TransportConfig struct {
	Brokers     []string
	Log         *slog.Logger
	TopicPrefix string // TopicPrefix is put in front of every target (default: kicherkrabbe)
	// RetryDelay is the pause before a failed handler sees the same
	// message again (default: 1s).
	RetryDelay time.Duration
	// BatchTimeout bounds how long the writer waits to fill a batch
	// (default: 10ms).
	BatchTimeout time.Duration
}

// Transport publishes with one writer and consumes with one group reader
// per subscription. A failing handler is retried in place, so later
// messages of the partition wait behind it.
type Transport struct {
	cfg    TransportConfig
	log    *slog.Logger
	writer *kafka.Writer

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Log.With(slog.String("transport", "kafka")),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		subs: map[*subscription]struct{}{},
	}, nil
}

func (t *Transport) topic(target string) string { return t.cfg.TopicPrefix + "." + target }

func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := transport.ValidateTarget(msg.Target); err != nil {
		return err
	}
	if err := t.writer.WriteMessages(ctx, toKafka(t.topic(msg.Target), msg)); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", msg.Target, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, name string, targets []string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if len(targets) == 0 {
		return nil, transport.ErrNoTargets
	}
	topics := make([]string, len(targets))
	for i, target := range targets {
		if err := transport.ValidateTarget(target); err != nil {
			return nil, err
		}
		topics[i] = t.topic(target)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.cfg.Brokers,
		GroupID:     name,
		GroupTopics: topics,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		t:      t,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    t.log.With(slog.String("group", name)),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(runCtx, h)
	context.AfterFunc(ctx, func() { _ = s.Stop() })

	s.log.Info("subscribed", slog.Any("topics", topics))
	return s, nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return transport.ErrClosed
	}
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Stop()
	}
	return t.writer.Close()
}

type subscription struct {
	t      *Transport
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
	once   sync.Once
	err    error
}

func (s *subscription) run(ctx context.Context, h transport.Handler) {
	defer close(s.done)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("fetch", slog.Any("error", err))
			}
			return
		}
		msg := fromKafka(s.t.cfg.TopicPrefix, m)

		for {
			err := h(ctx, msg)
			if err == nil {
				break
			}
			s.log.Debug("handler failed, retrying", slog.String("message_id", msg.ID), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.t.cfg.RetryDelay):
			}
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.log.Warn("commit", slog.String("message_id", msg.ID), slog.Any("error", err))
		}
	}
}

// Stop ends the fetch loop after the current handler returned and leaves
// the consumer group.
func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.reader.Close()
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return s.err
}

var (
	_ transport.Publisher  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
