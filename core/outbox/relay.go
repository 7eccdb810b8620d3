package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

var (
	ErrDeliveryFailure = errors.New("outbox delivery failed")
	ErrRelayRunning    = errors.New("relay is already running")
)

// RelayOption configures a Relay.
type RelayOption func(*relayOptions)

type relayOptions struct {
	claimer         string
	batchSize       int
	interval        time.Duration
	lease           time.Duration
	backoff         Backoff
	shutdownTimeout time.Duration
	log             *slog.Logger
	metrics         Metrics
	clock           func() time.Time
}

// WithClaimer sets the id this relay claims entries under (default: random).
func WithClaimer(id string) RelayOption {
	return func(o *relayOptions) {
		if id != "" {
			o.claimer = id
		}
	}
}

// WithBatchSize sets how many entries are claimed per round (default: 100).
func WithBatchSize(n int) RelayOption {
	return func(o *relayOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithInterval sets the polling interval (default: 1s). Notify wakes the
// relay earlier.
func WithInterval(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLease sets how long claimed entries stay invisible to other relays
// (default: 30s). It must comfortably exceed the time to publish a batch.
func WithLease(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

func WithBackoff(b Backoff) RelayOption {
	return func(o *relayOptions) { o.backoff = b }
}

// WithShutdownTimeout bounds how long an in-flight batch may keep running
// after the Run context is cancelled (default: 10s).
func WithShutdownTimeout(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

func WithLog(log *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		if log != nil {
			o.log = log
		}
	}
}

func WithMetrics(m Metrics) RelayOption {
	return func(o *relayOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(clock func() time.Time) RelayOption {
	return func(o *relayOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Relay delivers pending outbox entries to a transport. It claims a batch,
// publishes the entries in creation order and settles each one. Any number
// of relays may share a store; claims keep them from working on the same
// entry, and an expired lease hands a crashed relay's entries to the others.
type Relay struct {
	store   Store
	pub     transport.Publisher
	opts    relayOptions
	log     *slog.Logger
	wake    chan struct{}
	running atomic.Bool
}

func NewRelay(store Store, pub transport.Publisher, opts ...RelayOption) *Relay {
	o := relayOptions{
		claimer:         "relay-" + gonanoid.Must(8),
		batchSize:       100,
		interval:        time.Second,
		lease:           30 * time.Second,
		backoff:         DefaultBackoff(),
		shutdownTimeout: 10 * time.Second,
		log:             slog.Default(),
		metrics:         NopMetrics(),
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Relay{
		store: store,
		pub:   pub,
		opts:  o,
		log:   o.log.With(slog.String("component", "outbox.relay"), slog.String("claimer", o.claimer)),
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the claimer id of this relay.
func (r *Relay) ID() string { return r.opts.claimer }

// Notify wakes the relay loop without waiting for the next tick. It never
// blocks and may be used as a commit hook.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run relays until ctx is cancelled. Cancellation stops claiming; a batch
// already claimed is finished within the shutdown timeout. Run returns nil
// after a graceful shutdown.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRelayRunning
	}
	defer r.running.Store(false)

	r.log.Info("relay started",
		slog.Int("batch_size", r.opts.batchSize),
		slog.Duration("interval", r.opts.interval),
	)
	defer r.log.Info("relay stopped")

	ticker := time.NewTicker(r.opts.interval)
	defer ticker.Stop()

	for {
		// keep going while batches come back full
		for ctx.Err() == nil {
			claimed, _, err := r.relayBatch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("relay round failed", slog.Any("error", err))
				}
				break
			}
			if claimed < r.opts.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// RelayOnce claims and delivers a single batch and returns the number of
// entries published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	_, published, err := r.relayBatch(ctx)
	return published, err
}

// Prune removes entries published longer than retention ago.
func (r *Relay) Prune(ctx context.Context, retention time.Duration) (int, error) {
	n, err := r.store.PrunePublished(ctx, r.opts.clock().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	r.opts.metrics.Pruned(n)
	if n > 0 {
		r.log.Debug("pruned published entries", slog.Int("count", n))
	}
	return n, nil
}

func (r *Relay) relayBatch(ctx context.Context) (claimed int, published int, err error) {
	entries, err := r.store.Claim(ctx, r.opts.claimer, r.opts.batchSize, r.opts.lease, r.opts.clock())
	if err != nil {
		return 0, 0, fmt.Errorf("claim: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	r.opts.metrics.Claimed(len(entries))

	workCtx, cancel := detach(ctx, r.opts.shutdownTimeout)
	defer cancel()

	var (
		failedTargets = map[string]struct{}{}
		release       []string
	)
	for _, e := range entries {
		if _, failed := failedTargets[e.Target]; failed {
			// later entries for a failing target go back unattempted in
			// this round. Once released they are due again and may be
			// published while the failed entry is still backing off.
			release = append(release, e.ID)
			continue
		}
		if err := r.deliver(workCtx, e); err != nil {
			failedTargets[e.Target] = struct{}{}
			continue
		}
		published++
	}

	if len(release) > 0 {
		if err := r.store.Release(workCtx, r.opts.claimer, release...); err != nil {
			r.log.Warn("release entries", slog.Int("count", len(release)), slog.Any("error", err))
		}
	}

	r.log.Debug("relayed batch",
		slog.Int("claimed", len(entries)),
		slog.Int("published", published),
		slog.Int("released", len(release)),
	)
	return len(entries), published, nil
}

func (r *Relay) deliver(ctx context.Context, e Entry) error {
	log := r.log.With(
		slog.Group("entry",
			slog.String("id", e.ID),
			slog.String("target", e.Target),
			slog.Int("attempt", e.Attempts),
		),
	)

	timer := r.opts.metrics.PublishDuration(e.Target)
	err := r.pub.Publish(ctx, e.Message())
	timer.ObserveDuration()

	if err != nil {
		r.opts.metrics.DeliveryFailed(e.Target)
		next := r.opts.clock().Add(r.opts.backoff.Next(e.Attempts))
		log.Warn("delivery failed", slog.Time("next_attempt_at", next), slog.Any("error", err))
		if merr := r.store.MarkFailed(ctx, e.ID, r.opts.claimer, err.Error(), next); merr != nil {
			log.Error("mark failed", slog.Any("error", merr))
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}

	r.opts.metrics.Published(e.Target)
	if err := r.store.MarkPublished(ctx, e.ID, r.opts.claimer, r.opts.clock()); err != nil {
		// the lease runs out and the entry is delivered again
		log.Error("mark published", slog.Any("error", err))
	}
	return nil
}

// detach returns a context that survives cancellation of ctx for at most
// grace.
func detach(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(grace, cancel)
	})
	return wctx, func() {
		stop()
		cancel()
	}
}
