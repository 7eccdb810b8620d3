package outbox

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

var (
	ErrInvalidEntry = errors.New("invalid outbox entry")
	ErrNotClaimed   = errors.New("outbox entry not claimed by this relay")
)

// Draft is a message scheduled from inside a unit of work. The store turns
// it into an Entry when the unit of work is enqueued.
type Draft struct {
	// ID is the message id. Generated when empty.
	ID      string
	Target  string
	Payload []byte
	Headers map[string]string
}

// Entry is a durable record of a message to be published. Entries are
// created together with the events they derive from and are never removed
// before PublishedAt is set.
type Entry struct {
	// Seq orders entries by creation. Assigned by the store.
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	PublishedAt *time.Time `json:"published_at,omitempty"`

	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
}

// NewEntry creates a pending entry from a draft.
func NewEntry(d Draft, now time.Time) Entry {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return Entry{
		ID:            id,
		Target:        d.Target,
		Payload:       d.Payload,
		Headers:       maps.Clone(d.Headers),
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidEntry)
	}
	if err := transport.ValidateTarget(e.Target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is empty", ErrInvalidEntry)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created at is zero", ErrInvalidEntry)
	}
	return nil
}

func (e Entry) Published() bool { return e.PublishedAt != nil }

// Message converts the entry to the transport representation. The entry id
// becomes the message id consumers deduplicate on.
func (e Entry) Message() transport.Message {
	headers := maps.Clone(e.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	headers[transport.HeaderMessageID] = e.ID
	return transport.Message{
		ID:      e.ID,
		Target:  e.Target,
		Payload: e.Payload,
		Headers: headers,
	}
}
