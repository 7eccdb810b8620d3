package inbox

import (
	"context"
	"sync"
	"time"
)

// InMemory keeps the ledger in a map. Suitable for tests and for consumers
// whose read models live in memory as well.
type InMemory struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{seen: map[string]time.Time{}}
}

func (i *InMemory) Seen(_ context.Context, messageID string) (bool, error) {
	if err := validateID(messageID); err != nil {
		return false, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[messageID]
	return ok, nil
}

func (i *InMemory) TryInsert(_ context.Context, messageID string, receivedAt time.Time) (Result, error) {
	if err := validateID(messageID); err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[messageID]; ok {
		return AlreadySeen, nil
	}
	i.seen[messageID] = receivedAt
	return Inserted, nil
}

func (i *InMemory) Forget(_ context.Context, messageID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.seen, messageID)
	return nil
}

func (i *InMemory) Prune(_ context.Context, before time.Time) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for id, at := range i.seen {
		if at.Before(before) {
			delete(i.seen, id)
			n++
		}
	}
	return n, nil
}

func (i *InMemory) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

var _ Inbox = (*InMemory)(nil)
