package proj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/perkey"
	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

var (
	ErrListenerStarted = errors.New("listener already started")
	ErrListenerStopped = errors.New("listener stopped")
)

type ListenerConfig struct {
	// Name identifies the read model and the durable subscription.
	Name          string
	AggregateType string
	// Events are the event names to subscribe to.
	Events []string

	// Decoder upgrades and decodes envelopes, usually the EventStore.
	Decoder    es.Decoder
	Inbox      inbox.Inbox
	Store      Store
	Handler    Handler
	Subscriber transport.Subscriber

	Log     *slog.Logger
	Metrics Metrics
	Clock   func() time.Time
}

func (c *ListenerConfig) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.AggregateType == "" {
		errs = append(errs, errors.New("aggregate type is required"))
	}
	if len(c.Events) == 0 {
		errs = append(errs, errors.New("at least one event is required"))
	}
	if c.Decoder == nil {
		errs = append(errs, errors.New("decoder is required"))
	}
	if c.Inbox == nil {
		errs = append(errs, errors.New("inbox is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if c.Handler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	if c.Subscriber == nil {
		errs = append(errs, errors.New("subscriber is required"))
	}
	return errors.Join(errs...)
}

// Listener keeps one read model up to date. Messages of the same aggregate
// are handled one at a time; different aggregates proceed in parallel.
type Listener struct {
	cfg     ListenerConfig
	log     *slog.Logger
	metrics Metrics
	clock   func() time.Time
	sched   *perkey.Scheduler[string]

	mu      sync.Mutex
	sub     transport.Subscription
	stopped bool
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid listener config: %w", err)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Listener{
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("component", "proj.listener"), slog.String("listener", cfg.Name)),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		sched:   perkey.New[string](),
	}, nil
}

func (l *Listener) Name() string { return l.cfg.Name }

// Targets returns the transport targets the listener subscribes to.
func (l *Listener) Targets() []string {
	targets := make([]string, len(l.cfg.Events))
	for i, name := range l.cfg.Events {
		targets[i] = transport.Target(l.cfg.AggregateType, name)
	}
	return targets
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrListenerStopped
	}
	if l.sub != nil {
		return ErrListenerStarted
	}
	sub, err := l.cfg.Subscriber.Subscribe(ctx, l.cfg.Name, l.Targets(), l.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.cfg.Name, err)
	}
	l.sub = sub
	l.log.Info("listener started", slog.Any("targets", l.Targets()))
	return nil
}

// Stop ends the subscription and waits for messages in flight. A stopped
// listener cannot be started again.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub := l.sub
	l.sub, l.stopped = nil, true
	l.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Stop()
	}
	l.sched.Close()
	l.log.Info("listener stopped")
	return err
}

// Handle processes one message. A nil result acknowledges it: the message
// was applied, was a duplicate, was stale or can never be processed. An
// error asks the transport to deliver it again.
func (l *Listener) Handle(ctx context.Context, msg transport.Message) error {
	var env es.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.AggregateID == "" {
		l.metrics.Skipped(l.cfg.Name, "malformed")
		l.log.Warn("dropping malformed message", slog.String("message_id", msg.ID), slog.String("target", msg.Target), slog.Any("error", err))
		return nil
	}
	if env.AggregateType != l.cfg.AggregateType || env.Snapshot {
		l.metrics.Skipped(l.cfg.Name, "ignored")
		return nil
	}

	id := msg.ID
	if id == "" {
		id = msg.Header(transport.HeaderMessageID)
	}
	if id == "" {
		id = env.ID
	}

	return l.sched.Do(ctx, env.AggregateID, func() error {
		return l.process(ctx, id, env)
	})
}

func (l *Listener) process(ctx context.Context, messageID string, env es.Envelope) error {
	timer := l.metrics.HandleDuration(l.cfg.Name)
	defer timer.ObserveDuration()

	log := l.log.With(slog.String("message_id", messageID), env.SlogAttr())

	seen, err := l.cfg.Inbox.Seen(ctx, messageID)
	if err != nil {
		l.metrics.Failed(l.cfg.Name, env.Type)
		return fmt.Errorf("inbox: %w", err)
	}
	if seen {
		l.metrics.Skipped(l.cfg.Name, "duplicate")
		log.Debug("duplicate message")
		return nil
	}

	if err := l.apply(ctx, log, env); err != nil {
		l.metrics.Failed(l.cfg.Name, env.Type)
		log.Warn("projection failed", slog.Any("error", err))
		return err
	}

	// recorded only once the read model holds the event; a redelivery after
	// a failure here is dropped by the version guard
	if _, err := l.cfg.Inbox.TryInsert(ctx, messageID, l.clock()); err != nil {
		l.metrics.Failed(l.cfg.Name, env.Type)
		log.Warn("record message", slog.Any("error", err))
		return fmt.Errorf("inbox: %w", err)
	}
	return nil
}

func (l *Listener) apply(ctx context.Context, log *slog.Logger, env es.Envelope) error {
	cur, err := l.cfg.Store.Get(ctx, l.cfg.Name, env.AggregateID)
	var doc *Doc
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("load read model: %w", err)
	default:
		doc = &cur
	}

	if doc != nil && doc.Version >= env.Version {
		l.metrics.Skipped(l.cfg.Name, "stale")
		log.Debug("stale event", doc.Version.SlogAttrWithKey("read_model_version"))
		return nil
	}

	payload, err := l.cfg.Decoder.Decode(env)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	upd, err := l.cfg.Handler.Project(ctx, doc, Event{Envelope: env, Payload: payload})
	if err != nil {
		return fmt.Errorf("project %s: %w", env.Type, err)
	}

	next := Doc{
		Name:      l.cfg.Name,
		ID:        env.AggregateID,
		Version:   env.Version,
		UpdatedAt: l.clock().UTC(),
	}
	switch upd.Action {
	case Skip:
		l.metrics.Skipped(l.cfg.Name, "ignored")
		return nil
	case Delete:
		next.Deleted = true
	case Keep:
		next.Data = upd.Data
	default:
		return fmt.Errorf("project %s: unknown action %d", env.Type, upd.Action)
	}

	applied, err := l.cfg.Store.Upsert(ctx, next)
	if err != nil {
		return fmt.Errorf("store read model: %w", err)
	}
	if !applied {
		// a newer version was written concurrently, e.g. by another replica
		l.metrics.Skipped(l.cfg.Name, "stale")
		log.Debug("read model moved on")
		return nil
	}
	l.metrics.Applied(l.cfg.Name, env.Type)
	log.Debug("applied", slog.String("action", upd.Action.String()))
	return nil
}
