// Package perkey serializes work per key while work for different keys runs
// concurrently. Callers run their function on their own goroutine; the
// scheduler only decides when. Keys hold no resources once idle, so the
// key space may be unbounded (aggregate ids, for instance).
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned by Do on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Scheduler runs at most one function per key at a time. Waiters for the
// same key are admitted in arrival order.
type Scheduler[K comparable] struct {
	mu       sync.Mutex
	slots    map[K]*slot
	closed   bool
	inflight sync.WaitGroup
}

type slot struct {
	turn chan struct{}
	refs int
}

func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{slots: make(map[K]*slot)}
}

// Do runs fn once no other function for key is running and returns its
// error. It gives up with the context error if ctx is done before fn
// started; a started fn always runs to completion.
func (s *Scheduler[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sl, err := s.acquireSlot(key)
	if err != nil {
		return err
	}
	defer s.releaseSlot(key, sl)

	select {
	case sl.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.turn }()

	return fn()
}

// Len returns the number of keys with running or waiting functions.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close rejects new work and waits for running and waiting functions.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Scheduler[K]) acquireSlot(key K) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{turn: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	s.inflight.Add(1)
	return sl, nil
}

func (s *Scheduler[K]) releaseSlot(key K, sl *slot) {
	s.mu.Lock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
	s.mu.Unlock()
	s.inflight.Done()
}
