// Command relay delivers pending outbox entries to the message broker and
// prunes published entries and old inbox records.
//
// Configuration is read from the environment, see internal/config. A
// minimal local setup:
//
//	docker run -p 5432:5432 -e POSTGRES_PASSWORD=postgres -e POSTGRES_DB=kicherkrabbe postgres:17-alpine
//	docker run -p 4222:4222 nats:latest -js
//	go run ./cmd/relay
//
// Prometheus metrics are served at METRICS_ADDR (default :2112) under /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bennyboer/kicherkrabbe-sub011/adapters/kafka"
	"github.com/bennyboer/kicherkrabbe-sub011/adapters/nats"
	"github.com/bennyboer/kicherkrabbe-sub011/adapters/postgres"
	promadapter "github.com/bennyboer/kicherkrabbe-sub011/adapters/prometheus"
	"github.com/bennyboer/kicherkrabbe-sub011/adapters/sqlite"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
	"github.com/bennyboer/kicherkrabbe-sub011/internal/config"
	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// backend is the storage the relay works on: the outbox it drains and the
// inbox ledgers it prunes.
type backend struct {
	outbox outbox.Store
	inbox  func(consumer string) inbox.Inbox
	close  func()
}

func run(ctx context.Context, cfg *config.Relay, log *slog.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	pub, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("close transport", slog.Any("error", err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := outbox.NewRelay(be.outbox, pub,
		outbox.WithClaimer(cfg.ClaimerID),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithInterval(cfg.Interval),
		outbox.WithLease(cfg.Lease),
		outbox.WithBackoff(cfg.Backoff()),
		outbox.WithShutdownTimeout(cfg.ShutdownTimeout),
		outbox.WithLog(log),
		outbox.WithMetrics(promadapter.NewOutboxMetrics(reg)),
	)

	inboxes := make(map[string]inbox.Inbox, len(cfg.InboxConsumers))
	for _, consumer := range cfg.InboxConsumers {
		if consumer != "" {
			inboxes[consumer] = be.inbox(consumer)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		housekeeping(ctx, log, cfg, relay, inboxes)
		return nil
	})
	g.Go(func() error {
		log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Relay, log *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return &backend{
			outbox: sqlite.NewStore(db, log),
			inbox:  func(consumer string) inbox.Inbox { return sqlite.NewInbox(db, consumer) },
			close:  func() { _ = db.Close() },
		}, nil
	default:
		if err := postgres.Migrate(cfg.DatabaseURL, log); err != nil {
			return nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			outbox: postgres.NewStore(pool, log),
			inbox:  func(consumer string) inbox.Inbox { return postgres.NewInbox(pool, consumer) },
			close:  pool.Close,
		}, nil
	}
}

type publisher interface {
	transport.Publisher
	Close() error
}

func openTransport(ctx context.Context, cfg *config.Relay, log *slog.Logger) (publisher, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		return kafka.NewTransport(kafka.TransportConfig{
			Brokers:     cfg.KafkaBrokers,
			Log:         log,
			TopicPrefix: cfg.SubjectPrefix,
		})
	default:
		return nats.NewTransport(ctx, nats.TransportConfig{
			Connect:       nats.ConnectURL(cfg.NatsURL),
			Log:           log,
			StreamName:    cfg.NatsStream,
			SubjectPrefix: cfg.SubjectPrefix,
		})
	}
}

// housekeeping prunes the outbox and the configured inboxes until ctx is
// cancelled.
func housekeeping(ctx context.Context, log *slog.Logger, cfg *config.Relay, relay *outbox.Relay, inboxes map[string]inbox.Inbox) {
	log = log.With(slog.String("component", "housekeeping"))
	ticker := time.NewTicker(cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		if _, err := relay.Prune(ctx, cfg.OutboxRetention); err != nil && ctx.Err() == nil {
			log.Warn("prune outbox", slog.Any("error", err))
		}
		before := time.Now().Add(-cfg.InboxRetention)
		for consumer, ib := range inboxes {
			n, err := ib.Prune(ctx, before)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("prune inbox", slog.String("consumer", consumer), slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				log.Info("pruned inbox", slog.String("consumer", consumer), slog.Int("count", n))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
