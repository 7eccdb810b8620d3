package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// Store implements es.Storage and outbox.Store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func NewStore(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log.With(slog.String("store", "sqlite"))}
}

func constraintViolation(err error) bool {
	var sqlErr *msqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

const eventColumns = `version, event_id, event_type, schema_version, snapshot, occurred_at, agent_type, agent_id, data`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner, aggType, aggID string) (es.Envelope, error) {
	var (
		e          es.Envelope
		version    int64
		occurredAt int64
		agentType  string
		data       string
	)
	err := row.Scan(&version, &e.ID, &e.Type, &e.SchemaVersion, &e.Snapshot, &occurredAt, &agentType, &e.Agent.ID, &data)
	if err != nil {
		return es.Envelope{}, err
	}
	e.Version = es.Version(version)
	e.AggregateType = aggType
	e.AggregateID = aggID
	e.OccurredAt = fromNanos(occurredAt)
	e.Agent.Type = es.AgentType(agentType)
	e.Data = json.RawMessage(data)
	return e, nil
}

// Load reads the whole range before yielding so the single connection is
// free while the caller works with the events.
func (s *Store) Load(ctx context.Context, aggType, aggID string, from es.Version) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		events, err := s.load(ctx, aggType, aggID, from)
		if err != nil {
			yield(es.Envelope{}, err)
			return
		}
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) load(ctx context.Context, aggType, aggID string, from es.Version) ([]es.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM es_events
		WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ?
		ORDER BY version`,
		aggType, aggID, int64(from),
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []es.Envelope
	for rows.Next() {
		e, err := scanEvent(rows, aggType, aggID)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) LatestSnapshot(ctx context.Context, aggType, aggID string) (*es.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM es_events
		WHERE aggregate_type = ? AND aggregate_id = ? AND snapshot = 1
		ORDER BY version DESC
		LIMIT 1`,
		aggType, aggID,
	)
	e, err := scanEvent(row, aggType, aggID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &e, nil
}

func (s *Store) Atomic(ctx context.Context, fn func(tx es.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx  *sql.Tx
	log *slog.Logger
}

func (t *sqlTx) Append(ctx context.Context, aggType, aggID string, expected es.Version, events []es.Envelope) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}

	var current int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM es_events WHERE aggregate_type = ? AND aggregate_id = ?`,
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
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO es_events (aggregate_type, aggregate_id, `+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			aggType, aggID, int64(e.Version), e.ID, e.Type, e.SchemaVersion, e.Snapshot,
			toNanos(e.OccurredAt), string(e.Agent.Type), e.Agent.ID, string(e.Data),
		)
		if constraintViolation(err) {
			return 0, fmt.Errorf("%w: duplicate event %s", es.ErrInvalidEvent, e.ID)
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

func (t *sqlTx) Enqueue(ctx context.Context, entries ...outbox.Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		headers := []byte(`{}`)
		if len(e.Headers) > 0 {
			var err error
			if headers, err = json.Marshal(e.Headers); err != nil {
				return fmt.Errorf("%w: headers: %w", outbox.ErrInvalidEntry, err)
			}
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO es_outbox (id, target, payload, headers, created_at, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Target, e.Payload, string(headers), toNanos(e.CreatedAt), toNanos(e.NextAttemptAt),
		)
		if constraintViolation(err) {
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

func scanEntry(row scanner) (outbox.Entry, error) {
	var (
		e             outbox.Entry
		seq           int64
		headers       string
		createdAt     int64
		nextAttemptAt int64
		publishedAt   sql.NullInt64
		claimedUntil  sql.NullInt64
	)
	err := row.Scan(&seq, &e.ID, &e.Target, &e.Payload, &headers, &createdAt, &publishedAt,
		&e.Attempts, &e.LastError, &nextAttemptAt, &e.ClaimedBy, &claimedUntil)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.Seq = uint64(seq)
	e.CreatedAt = fromNanos(createdAt)
	e.NextAttemptAt = fromNanos(nextAttemptAt)
	e.PublishedAt = fromNullNanos(publishedAt)
	e.ClaimedUntil = fromNullNanos(claimedUntil)
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return outbox.Entry{}, fmt.Errorf("decode headers of %s: %w", e.ID, err)
	}
	if len(e.Headers) == 0 {
		e.Headers = nil
	}
	return e, nil
}

func (s *Store) Claim(ctx context.Context, claimer string, limit int, lease time.Duration, now time.Time) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE es_outbox
		SET claimed_by = ?, claimed_until = ?, attempts = attempts + 1
		WHERE seq IN (
			SELECT seq FROM es_outbox
			WHERE published_at IS NULL
			  AND next_attempt_at <= ?
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY seq
			LIMIT ?
		)
		RETURNING `+entryColumns,
		claimer, toNanos(now.Add(lease)), toNanos(now), toNanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	slices.SortFunc(entries, func(a, b outbox.Entry) int { return cmp.Compare(a.Seq, b.Seq) })
	return entries, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, _ string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE es_outbox
		SET published_at = COALESCE(published_at, ?), claimed_by = '', claimed_until = NULL
		WHERE id = ?`,
		toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, claimer string, reason string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE es_outbox
		SET last_error = ?, next_attempt_at = ?, claimed_by = '', claimed_until = NULL
		WHERE id = ? AND claimed_by = ?`,
		reason, toNanos(next), id, claimer,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.ErrNotClaimed
	}
	return nil
}

func (s *Store) Release(ctx context.Context, claimer string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, claimer)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE es_outbox
		SET claimed_by = '', claimed_until = NULL, attempts = attempts - 1
		WHERE claimed_by = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *Store) PrunePublished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM es_outbox WHERE published_at IS NOT NULL AND published_at < ?`,
		toNanos(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var (
	_ es.Storage   = (*Store)(nil)
	_ outbox.Store = (*Store)(nil)
)
