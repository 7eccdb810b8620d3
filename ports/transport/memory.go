package transport

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryOption configures an InMemory broker.
type MemoryOption func(*InMemory)

// WithRedeliveryDelay sets the pause before a failed message is handed to
// the handler again (default: 10ms).
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(b *InMemory) {
		if d > 0 {
			b.redeliveryDelay = d
		}
	}
}

// WithMaxDeliveries caps delivery attempts per message and subscription
// (default: 10). A message exceeding it is dropped and logged.
func WithMaxDeliveries(n int) MemoryOption {
	return func(b *InMemory) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

func WithMemoryLog(log *slog.Logger) MemoryOption {
	return func(b *InMemory) {
		if log != nil {
			b.log = log
		}
	}
}

// InMemory is an in-process broker for tests and single-binary setups.
// Every subscription receives its own copy of each matching message, in
// publish order, on a dedicated goroutine.
type InMemory struct {
	mu        sync.RWMutex
	subs      map[*memSubscription]struct{}
	published []Message
	closed    bool

	redeliveryDelay time.Duration
	maxDeliveries   int
	log             *slog.Logger
}

func NewInMemory(opts ...MemoryOption) *InMemory {
	b := &InMemory{
		subs:            map[*memSubscription]struct{}{},
		redeliveryDelay: 10 * time.Millisecond,
		maxDeliveries:   10,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(slog.String("transport", "memory"))
	return b
}

func (b *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ValidateTarget(msg.Target); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published = append(b.published, msg)
	matching := make([]*memSubscription, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(msg.Target) {
			matching = append(matching, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matching {
		if err := s.enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Published returns every message accepted so far, in publish order.
func (b *InMemory) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.published)
}

func (b *InMemory) Subscribe(ctx context.Context, name string, targets []string, h Handler) (Subscription, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &memSubscription{
		broker:  b,
		name:    name,
		targets: slices.Clone(targets),
		h:       h,
		queue:   make(chan Message, 1024),
		ctx:     context.WithoutCancel(ctx),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     b.log.With(slog.String("subscription", name)),
	}
	b.subs[s] = struct{}{}
	go s.run()

	context.AfterFunc(ctx, func() { _ = s.Stop() })

	return s, nil
}

// Close stops all subscriptions and rejects further publishes.
func (b *InMemory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	subs := make([]*memSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Stop()
	}
	return nil
}

func (b *InMemory) remove(s *memSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// === Subscription ===

type memSubscription struct {
	broker   *InMemory
	name     string
	targets  []string
	h        Handler
	queue    chan Message
	ctx      context.Context
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      *slog.Logger
}

func (s *memSubscription) matches(target string) bool {
	return slices.Contains(s.targets, target)
}

func (s *memSubscription) enqueue(ctx context.Context, msg Message) error {
	select {
	case s.queue <- msg:
		return nil
	case <-s.stop:
		// stopped subscriptions silently miss messages, like a broker
		// handing them to another member of the group
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			s.deliver(msg)
		}
	}
}

func (s *memSubscription) deliver(msg Message) {
	for attempt := 1; ; attempt++ {
		err := s.h(s.ctx, msg)
		if err == nil {
			return
		}
		if attempt >= s.broker.maxDeliveries {
			s.log.Error(
				"dropping message after max deliveries",
				slog.String("message_id", msg.ID),
				slog.String("target", msg.Target),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		}
		s.log.Debug(
			"redelivering message",
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-s.stop:
			return
		case <-time.After(s.broker.redeliveryDelay):
		}
	}
}

func (s *memSubscription) Stop() error {
	s.stopOnce.Do(func() {
		s.broker.remove(s)
		close(s.stop)
	})
	<-s.done
	return nil
}

var (
	_ Publisher  = (*InMemory)(nil)
	_ Subscriber = (*InMemory)(nil)
)
