package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

// Inbox is the ledger of one consumer.
type Inbox struct {
	db       *sql.DB
	consumer string
}

func NewInbox(db *sql.DB, consumer string) *Inbox {
	return &Inbox{db: db, consumer: consumer}
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, inbox.ErrInvalidMessageID
	}
	var seen bool
	err := i.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM es_inbox WHERE consumer = ? AND message_id = ?)`,
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
	res, err := i.db.ExecContext(ctx,
		`INSERT INTO es_inbox (consumer, message_id, received_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		i.consumer, messageID, toNanos(receivedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inbox insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inbox.AlreadySeen, nil
	}
	return inbox.Inserted, nil
}

func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	if _, err := i.db.ExecContext(ctx,
		`DELETE FROM es_inbox WHERE consumer = ? AND message_id = ?`,
		i.consumer, messageID,
	); err != nil {
		return fmt.Errorf("inbox forget: %w", err)
	}
	return nil
}

func (i *Inbox) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx,
		`DELETE FROM es_inbox WHERE consumer = ? AND received_at < ?`,
		i.consumer, toNanos(before),
	)
	if err != nil {
		return 0, fmt.Errorf("inbox prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ inbox.Inbox = (*Inbox)(nil)
