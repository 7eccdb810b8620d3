// Package redis keeps the inbox ledger in Redis. Entries expire through a
// key TTL instead of Prune.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

const defaultTTL = 7 * 24 * time.Hour

type Inbox struct {
	client   *redis.Client
	consumer string
	ttl      time.Duration
}

// NewInbox binds an inbox to consumer. A ttl of zero keeps entries for
// seven days.
func NewInbox(client *redis.Client, consumer string, ttl time.Duration) *Inbox {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Inbox{client: client, consumer: consumer, ttl: ttl}
}

func (i *Inbox) key(messageID string) string {
	return "inbox:" + i.consumer + ":" + messageID
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, inbox.ErrInvalidMessageID
	}
	n, err := i.client.Exists(ctx, i.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: inbox lookup: %w", err)
	}
	return n > 0, nil
}

// TryInsert uses SETNX, which admits exactly one caller per key.
func (i *Inbox) TryInsert(ctx context.Context, messageID string, receivedAt time.Time) (inbox.Result, error) {
	if messageID == "" {
		return 0, inbox.ErrInvalidMessageID
	}
	ok, err := i.client.SetNX(ctx, i.key(messageID), receivedAt.UTC().Format(time.RFC3339Nano), i.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: inbox insert: %w", err)
	}
	if !ok {
		return inbox.AlreadySeen, nil
	}
	return inbox.Inserted, nil
}

func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	if err := i.client.Del(ctx, i.key(messageID)).Err(); err != nil {
		return fmt.Errorf("redis: inbox forget: %w", err)
	}
	return nil
}

// Prune does nothing; keys expire on their own.
func (i *Inbox) Prune(context.Context, time.Time) (int, error) { return 0, nil }

var _ inbox.Inbox = (*Inbox)(nil)
