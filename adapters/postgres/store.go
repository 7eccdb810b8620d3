package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// Store implements es.Storage and outbox.Store on one pool.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log.With(slog.String("store", "postgres"))}
}

const eventColumns = `version, event_id, event_type, schema_version, snapshot, occurred_at, agent_type, agent_id, data`

func scanEvent(row pgx.Row, aggType, aggID string) (es.Envelope, error) {
	var (
		e         es.Envelope
		version   int64
		agentType string
		data      []byte
	)
	err := row.Scan(&version, &e.ID, &e.Type, &e.SchemaVersion, &e.Snapshot, &e.OccurredAt, &agentType, &e.Agent.ID, &data)
	if err != nil {
		return es.Envelope{}, err
	}
	e.Version = es.Version(version)
	e.Agent.Type = es.AgentType(agentType)
	e.AggregateType = aggType
	e.AggregateID = aggID
	e.OccurredAt = e.OccurredAt.UTC()
	e.Data = data
	return e, nil
}

func (s *Store) Load(ctx context.Context, aggType, aggID string, from es.Version) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+eventColumns+`
			FROM es_events
			WHERE aggregate_type = $1 AND aggregate_id = $2 AND version >= $3
			ORDER BY version`,
			aggType, aggID, int64(from),
		)
		if err != nil {
			yield(es.Envelope{}, fmt.Errorf("load events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows, aggType, aggID)
			if err != nil {
				yield(es.Envelope{}, fmt.Errorf("scan event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(es.Envelope{}, fmt.Errorf("load events: %w", err))
		}
	}
}

func (s *Store) LatestSnapshot(ctx context.Context, aggType, aggID string) (*es.Envelope, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM es_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND snapshot
		ORDER BY version DESC
		LIMIT 1`,
		aggType, aggID,
	)
	e, err := scanEvent(row, aggType, aggID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &e, nil
}

func (s *Store) Atomic(ctx context.Context, fn func(tx es.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{tx: tx, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	log *slog.Logger
}

func (t *pgTx) Append(ctx context.Context, aggType, aggID string, expected es.Version, events []es.Envelope) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}

	var current int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM es_events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	if es.Version(current) != expected {
		return 0, fmt.Errorf("%w: %s/%s expected %d, current %d", es.ErrConcurrencyConflict, aggType, aggID, expected, current)
	}

	for i, e := range events {
		if e.Version != expected+es.Version(i+1) {
			return 0, fmt.Errorf("%w: version %d out of sequence", es.ErrInvalidEvent, e.Version)
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO es_events (aggregate_type, aggregate_id, `+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			aggType, aggID, int64(e.Version), e.ID, e.Type, e.SchemaVersion, e.Snapshot,
			e.OccurredAt, string(e.Agent.Type), e.Agent.ID, string(e.Data),
		)
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "es_events_pkey" {
				return 0, fmt.Errorf("%w: %s/%s version %d taken", es.ErrConcurrencyConflict, aggType, aggID, e.Version)
			}
			return 0, fmt.Errorf("%w: duplicate event id %s", es.ErrInvalidEvent, e.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	t.log.Debug("append",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		slog.Int("num_events", len(events)),
	)
	return events[len(events)-1].Version, nil
}

func (t *pgTx) Enqueue(ctx context.Context, entries ...outbox.Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("%w: headers: %w", outbox.ErrInvalidEntry, err)
		}
		if e.Headers == nil {
			headers = []byte(`{}`)
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO es_outbox (id, target, payload, headers, created_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.Target, e.Payload, string(headers), e.CreatedAt, e.NextAttemptAt,
		)
		if _, ok := uniqueViolation(err); ok {
			return fmt.Errorf("%w: duplicate id %s", outbox.ErrInvalidEntry, e.ID)
		}
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

// === outbox.Store ===

const entryColumns = `seq, id, target, payload, headers, created_at, published_at, attempts, last_error, next_attempt_at, claimed_by, claimed_until`

func scanEntry(row pgx.Row) (outbox.Entry, error) {
	var (
		e       outbox.Entry
		seq     int64
		headers []byte
	)
	err := row.Scan(&seq, &e.ID, &e.Target, &e.Payload, &headers, &e.CreatedAt, &e.PublishedAt,
		&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.ClaimedBy, &e.ClaimedUntil)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.Seq = uint64(seq)
	e.CreatedAt = e.CreatedAt.UTC()
	if err := json.Unmarshal(headers, &e.Headers); err != nil {
		return outbox.Entry{}, fmt.Errorf("decode headers of %s: %w", e.ID, err)
	}
	if len(e.Headers) == 0 {
		e.Headers = nil
	}
	return e, nil
}

// Claim locks due rows with SKIP LOCKED, so concurrent relays never block
// on or receive the same entry.
func (s *Store) Claim(ctx context.Context, claimer string, limit int, lease time.Duration, now time.Time) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT seq AS due_seq FROM es_outbox
			WHERE published_at IS NULL
			  AND next_attempt_at <= $3
			  AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE es_outbox o
		SET claimed_by = $1, claimed_until = $2, attempts = o.attempts + 1
		FROM due
		WHERE o.seq = due.due_seq
		RETURNING `+entryColumns,
		claimer, now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Entry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	slices.SortFunc(entries, func(a, b outbox.Entry) int { return cmp.Compare(a.Seq, b.Seq) })
	return entries, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, _ string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE es_outbox
		SET published_at = COALESCE(published_at, $2), claimed_by = '', claimed_until = NULL
		WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, claimer string, reason string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE es_outbox
		SET last_error = $3, next_attempt_at = $4, claimed_by = '', claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2`,
		id, claimer, reason, next,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotClaimed
	}
	return nil
}

func (s *Store) Release(ctx context.Context, claimer string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE es_outbox
		SET claimed_by = '', claimed_until = NULL, attempts = attempts - 1
		WHERE claimed_by = $1 AND id = ANY($2)`,
		claimer, ids,
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *Store) PrunePublished(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM es_outbox WHERE published_at IS NOT NULL AND published_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var (
	_ es.Storage   = (*Store)(nil)
	_ outbox.Store = (*Store)(nil)
)
