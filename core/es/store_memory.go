package es

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// InMemoryStore keeps events and outbox entries in memory. Units of work are
// serialized by a mutex and applied only when they succeed. It implements
// both Storage and outbox.Store and is meant for tests and demos.
type InMemoryStore struct {
	mu        sync.Mutex
	log       *slog.Logger
	streams   map[string][]Envelope
	outbox    []*outbox.Entry
	outboxSeq uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Load(ctx context.Context, aggType, aggID string, from Version) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Envelope{}, err)
			return
		}

		s.mu.Lock()
		stream := s.streams[s.streamKey(aggType, aggID)]
		idx, _ := slices.BinarySearchFunc(stream, from, func(e Envelope, v Version) int {
			return cmp.Compare(e.Version, v)
		})
		events := slices.Clone(stream[idx:])
		s.mu.Unlock()

		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) LatestSnapshot(_ context.Context, aggType, aggID string) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[s.streamKey(aggType, aggID)]
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].Snapshot {
			e := stream[i]
			return &e, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (s *InMemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, appended: map[string][]Envelope{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for k, events := range tx.appended {
		s.streams[k] = append(s.streams[k], events...)
	}
	for _, e := range tx.entries {
		s.outboxSeq++
		e.Seq = s.outboxSeq
		s.outbox = append(s.outbox, &e)
	}
	return nil
}

// OutboxEntries returns a copy of all outbox entries in creation order.
func (s *InMemoryStore) OutboxEntries() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Entry, len(s.outbox))
	for i, e := range s.outbox {
		out[i] = *e
	}
	return out
}

// === outbox.Store ===

func (s *InMemoryStore) Claim(_ context.Context, claimer string, limit int, lease time.Duration, now time.Time) ([]outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := now.Add(lease)
	var claimed []outbox.Entry
	for _, e := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if e.Published() || e.NextAttemptAt.After(now) {
			continue
		}
		if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
			continue
		}
		e.ClaimedBy = claimer
		e.ClaimedUntil = &until
		e.Attempts++
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, id string, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEntry(id)
	if e == nil {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	if e.PublishedAt == nil {
		e.PublishedAt = &at
	}
	e.ClaimedBy, e.ClaimedUntil = "", nil
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, claimer string, reason string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEntry(id)
	if e == nil || e.ClaimedBy != claimer {
		return outbox.ErrNotClaimed
	}
	e.LastError = reason
	e.NextAttemptAt = next
	e.ClaimedBy, e.ClaimedUntil = "", nil
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, claimer string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e := s.findEntry(id); e != nil && e.ClaimedBy == claimer {
			e.ClaimedBy, e.ClaimedUntil = "", nil
			e.Attempts--
		}
	}
	return nil
}

func (s *InMemoryStore) PrunePublished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.outbox)
	s.outbox = slices.DeleteFunc(s.outbox, func(e *outbox.Entry) bool {
		return e.PublishedAt != nil && e.PublishedAt.Before(before)
	})
	return n - len(s.outbox), nil
}

func (s *InMemoryStore) findEntry(id string) *outbox.Entry {
	for _, e := range s.outbox {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// === Tx ===

type memTx struct {
	store    *InMemoryStore
	appended map[string][]Envelope
	entries  []outbox.Entry
}

func (t *memTx) Append(_ context.Context, aggType, aggID string, expected Version, events []Envelope) (Version, error) {
	if len(events) == 0 {
		return 0, ErrStoreNoEvents
	}
	k := t.store.streamKey(aggType, aggID)
	stream := append(slices.Clone(t.store.streams[k]), t.appended[k]...)

	var current Version
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expected {
		return 0, fmt.Errorf("%w: %s/%s expected %d, current %d", ErrConcurrencyConflict, aggType, aggID, expected, current)
	}
	for i, e := range events {
		if e.Version != expected+Version(i+1) {
			return 0, fmt.Errorf("%w: version %d out of sequence", ErrInvalidEvent, e.Version)
		}
	}

	t.appended[k] = append(t.appended[k], events...)
	t.store.log.Debug(
		"append",
		slog.String("stream", k),
		slog.Int("num_events", len(events)),
	)
	return events[len(events)-1].Version, nil
}

func (t *memTx) Enqueue(_ context.Context, entries ...outbox.Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if t.store.findEntry(e.ID) != nil || slices.ContainsFunc(t.entries, func(o outbox.Entry) bool { return o.ID == e.ID }) {
			return fmt.Errorf("%w: duplicate id %s", outbox.ErrInvalidEntry, e.ID)
		}
	}
	t.entries = append(t.entries, entries...)
	return nil
}

var (
	_ Storage      = (*InMemoryStore)(nil)
	_ outbox.Store = (*InMemoryStore)(nil)
)
