package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

// Inbox is the ledger of one consumer. Consumers share the table and are
// told apart by name.
type Inbox struct {
	pool     *pgxpool.Pool
	consumer string
}

func NewInbox(pool *pgxpool.Pool, consumer string) *Inbox {
	return &Inbox{pool: pool, consumer: consumer}
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, inbox.ErrInvalidMessageID
	}
	var seen bool
	err := i.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM es_inbox WHERE consumer = $1 AND message_id = $2)`,
		i.consumer, messageID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("inbox lookup: %w", err)
	}
	return seen, nil
}

func (i *Inbox) TryInsert(ctx context.Context, messageID string, receivedAt time.Time) (inbox.Result, error) {
	if messageID == "" {
		return 0, inbox.ErrInvalidMessageID
	}
	tag, err := i.pool.Exec(ctx, `
		INSERT INTO es_inbox (consumer, message_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, message_id) DO NOTHING`,
		i.consumer, messageID, receivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.AlreadySeen, nil
	}
	return inbox.Inserted, nil
}

func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	_, err := i.pool.Exec(ctx,
		`DELETE FROM es_inbox WHERE consumer = $1 AND message_id = $2`,
		i.consumer, messageID,
	)
	if err != nil {
		return fmt.Errorf("inbox forget: %w", err)
	}
	return nil
}

func (i *Inbox) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := i.pool.Exec(ctx,
		`DELETE FROM es_inbox WHERE consumer = $1 AND received_at < $2`,
		i.consumer, before,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ inbox.Inbox = (*Inbox)(nil)
