package outbox

import (
	"context"
	"time"
)

// Store is the relay's view of the outbox. Entries are written by the event
// store's unit of work; the relay only claims and settles them.
//
// Implementations must make Claim atomic across processes: an entry handed
// to one claimer is invisible to others until its lease expires, it is
// released or it is marked failed.
type Store interface {
	// Claim leases up to limit unpublished entries that are due at now and
	// not leased by anyone else. Entries are returned in creation order and
	// their Attempts counter is incremented.
	Claim(ctx context.Context, claimer string, limit int, lease time.Duration, now time.Time) ([]Entry, error)
	// MarkPublished records a successful delivery. Marking an already
	// published entry keeps the first timestamp.
	MarkPublished(ctx context.Context, id string, claimer string, at time.Time) error
	// MarkFailed records a failed delivery, drops the lease and schedules
	// the next attempt. Returns ErrNotClaimed if the lease was lost.
	MarkFailed(ctx context.Context, id string, claimer string, reason string, nextAttemptAt time.Time) error
	// Release drops the leases of the given entries without counting an attempt.
	Release(ctx context.Context, claimer string, ids ...string) error
	// PrunePublished deletes entries published before the given time.
	PrunePublished(ctx context.Context, before time.Time) (int, error)
}
