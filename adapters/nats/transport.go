package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

const (
	defaultStreamName    = "KICHERKRABBE_EVENTS"
	defaultSubjectPrefix = "events"
)

type TransportConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)

	StreamName    string // StreamName of the JetStream stream (default: KICHERKRABBE_EVENTS)
	SubjectPrefix string // SubjectPrefix is put in front of every target, e.g. "events" -> events.category.CREATED

	// MaxAge bounds how long messages are retained (default: 7 days).
	MaxAge time.Duration
	// DuplicateWindow is the time in which a republished message id is
	// dropped by the server (default: 2 minutes).
	DuplicateWindow time.Duration

	// AckWait is how long the server waits for an ack before redelivering
	// (default: 30s).
	AckWait time.Duration
	// MaxDeliver caps deliveries per message; -1 is unlimited (default: -1).
	MaxDeliver int
	// RedeliveryDelay is the delay before a failed message is delivered
	// again (default: 1s).
	RedeliveryDelay time.Duration
}

// Transport publishes outbox messages to JetStream and delivers them to
// durable consumers. The message id is sent as Nats-Msg-Id so relays that
// publish an entry twice within the duplicate window store it once.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger
	prefix  string
	cfg     TransportConfig

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

func NewTransport(ctx context.Context, cfg TransportConfig) (*Transport, error) {
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = -1
	}
	if cfg.RedeliveryDelay == 0 {
		cfg.RedeliveryDelay = time.Second
	}

	nc, closeNc, err := connect()
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	log := cfg.Log.With(
		slog.String("transport", "nats"),
		slog.String("stream", cfg.StreamName),
	)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: ensure stream %s: %w", cfg.StreamName, err)
	}
	log.Debug("stream ready")

	return &Transport{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		log:     log,
		prefix:  cfg.SubjectPrefix,
		cfg:     cfg,
		subs:    map[*subscription]struct{}{},
	}, nil
}

func (t *Transport) subject(target string) string { return t.prefix + "." + target }

func (t *Transport) target(subject string) string {
	return strings.TrimPrefix(subject, t.prefix+".")
}

func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := transport.ValidateTarget(msg.Target); err != nil {
		return err
	}

	m := natsgo.NewMsg(t.subject(msg.Target))
	m.Data = msg.Payload
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set(transport.HeaderMessageID, msg.ID)

	ack, err := t.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("nats: publish %s: %w", msg.Target, err)
	}
	if ack.Duplicate {
		t.log.Debug("duplicate publish dropped by server", slog.String("message_id", msg.ID))
	}
	return nil
}

// Subscribe creates or updates the durable consumer name and delivers
// messages for targets to h. A handler error naks the message so the
// server delivers it again after the redelivery delay.
func (t *Transport) Subscribe(ctx context.Context, name string, targets []string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if len(targets) == 0 {
		return nil, transport.ErrNoTargets
	}
	subjects := make([]string, len(targets))
	for i, target := range targets {
		if err := transport.ValidateTarget(target); err != nil {
			return nil, err
		}
		subjects[i] = t.subject(target)
	}

	durable := consumerName(name)
	consumer, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        t.cfg.AckWait,
		MaxDeliver:     t.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: consumer %s: %w", durable, err)
	}

	log := t.log.With(slog.String("consumer", durable))
	hctx := context.WithoutCancel(ctx)

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		msg := t.toMessage(m)
		if err := h(hctx, msg); err != nil {
			log.Debug("handler failed, nak", slog.String("message_id", msg.ID), slog.Any("error", err))
			if err := m.NakWithDelay(t.cfg.RedeliveryDelay); err != nil {
				log.Warn("nak", slog.Any("error", err))
			}
			return
		}
		if err := m.Ack(); err != nil {
			log.Warn("ack", slog.String("message_id", msg.ID), slog.Any("error", err))
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if !errors.Is(err, jetstream.ErrNoHeartbeat) {
			log.Warn("consume", slog.Any("error", err))
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("nats: consume %s: %w", durable, err)
	}

	s := &subscription{t: t, cc: cc}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = s.Stop() })

	log.Info("subscribed", slog.Any("subjects", subjects))
	return s, nil
}

func (t *Transport) toMessage(m jetstream.Msg) transport.Message {
	headers := make(map[string]string, len(m.Headers()))
	for k := range m.Headers() {
		headers[k] = m.Headers().Get(k)
	}
	id := headers[transport.HeaderMessageID]
	if id == "" {
		id = headers[natsgo.MsgIdHdr]
	}
	return transport.Message{
		ID:      id,
		Target:  t.target(m.Subject()),
		Payload: m.Data(),
		Headers: headers,
	}
}

// Close stops all subscriptions and releases the connection.
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
	if err := t.nc.FlushTimeout(5 * time.Second); err != nil {
		t.log.Debug("flush failed", slog.Any("error", err))
	}
	t.closeNc()
	return nil
}

// consumerName maps a subscription name to a valid durable name.
func consumerName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

type subscription struct {
	t    *Transport
	cc   jetstream.ConsumeContext
	once sync.Once
}

// Stop stops pulling and waits until messages already handed to the
// handler are done.
func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cc.Drain()
		<-s.cc.Closed()
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return nil
}

var (
	_ transport.Publisher  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
