package proj

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// InMemoryStore keeps documents in memory. It is meant for tests and demos.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Doc
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: map[string]map[string]Doc{}}
}

func (s *InMemoryStore) Get(_ context.Context, name, id string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[name][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, doc Doc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.docs[doc.Name]
	if !ok {
		byID = map[string]Doc{}
		s.docs[doc.Name] = byID
	}
	if cur, ok := byID[doc.ID]; ok && cur.Version >= doc.Version {
		return false, nil
	}
	byID[doc.ID] = doc
	return true, nil
}

func (s *InMemoryStore) Find(_ context.Context, name string, q Query) (Page, error) {
	s.mu.RLock()
	var docs []Doc
	for _, d := range s.docs[name] {
		if !d.Deleted && Matches(d.Data, q.Match) {
			docs = append(docs, d)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(docs, func(a, b Doc) int { return cmp.Compare(a.ID, b.ID) })
	return Paginate(docs, q), nil
}

var _ Store = (*InMemoryStore)(nil)
