// Package inbox implements the deduplication ledger consumers check before
// applying a message. Recording a message id is the dedup gate: the first
// TryInsert for an id reports Inserted, every later one AlreadySeen, even
// under concurrent calls.
package inbox

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidMessageID = errors.New("invalid message id")

// Result of TryInsert. AlreadySeen is not an error: the caller skips the
// message and acknowledges it.
type Result int

const (
	Inserted Result = iota + 1
	AlreadySeen
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadySeen:
		return "already_seen"
	default:
		return "unknown"
	}
}

// Inbox is bound to one consumer; two consumers of the same message use
// two inboxes.
//
// Consumers check Seen before processing a message and record it with
// TryInsert only after its effects are durable. A crash in between leads to
// reprocessing, never to a lost message, so processing must tolerate
// replays.
type Inbox interface {
	// Seen reports whether the message was recorded. It records nothing.
	Seen(ctx context.Context, messageID string) (bool, error)
	TryInsert(ctx context.Context, messageID string, receivedAt time.Time) (Result, error)
	// Forget removes an entry so a redelivery of the message is processed
	// again.
	Forget(ctx context.Context, messageID string) error
	// Prune deletes entries received before the given time.
	Prune(ctx context.Context, before time.Time) (int, error)
}

func validateID(messageID string) error {
	if messageID == "" {
		return ErrInvalidMessageID
	}
	return nil
}
