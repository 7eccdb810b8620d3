package proj_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests/domain"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
	"github.com/bennyboer/kicherkrabbe-sub011/core/metrics"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

const readModel = "categories"

type categoryView struct {
	Name  string   `json:"name"`
	Group string   `json:"group"`
	Tags  []string `json:"tags,omitempty"`
}

func projectCategory(cur categoryView, exists bool, ev proj.Event) (categoryView, proj.Action, error) {
	switch e := ev.Payload.(type) {
	case domain.Created:
		return categoryView{Name: e.Name, Group: e.Group}, proj.Keep, nil
	case domain.Renamed:
		if !exists {
			return cur, proj.Skip, nil
		}
		cur.Name = e.Name
		return cur, proj.Keep, nil
	case domain.TagAdded:
		cur.Tags = append(cur.Tags, e.Tag)
		return cur, proj.Keep, nil
	case domain.Deleted:
		return cur, proj.Delete, nil
	}
	return cur, proj.Skip, nil
}

type recorder struct {
	mu      sync.Mutex
	applied int
	skipped map[string]int
	failed  int
}

func newRecorder() *recorder { return &recorder{skipped: map[string]int{}} }

func (r *recorder) HandleDuration(string) metrics.Timer { return metrics.NopTimer() }

func (r *recorder) Applied(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied++
}

func (r *recorder) Skipped(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[reason]++
}

func (r *recorder) Failed(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *recorder) skips(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped[reason]
}

type fixture struct {
	store    *es.InMemoryStore
	env      *es.TestingEnv
	rt       *es.Runtime[domain.State, domain.Event, domain.Command]
	inbox    *inbox.InMemory
	docs     *proj.InMemoryStore
	broker   *transport.InMemory
	recorder *recorder
}

func newFixture(t *testing.T, rtOpts ...es.RuntimeOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    es.NewInMemoryStore(),
		inbox:    inbox.NewInMemory(),
		docs:     proj.NewInMemoryStore(),
		broker:   transport.NewInMemory(transport.WithRedeliveryDelay(time.Millisecond)),
		recorder: newRecorder(),
	}
	f.env = es.StartTestEnv(t, append(domain.EnvOptions(), es.WithStorage(f.store))...)
	rt, err := es.NewRuntime(f.env.Store(), domain.Aggregate{}, rtOpts...)
	require.NoError(t, err)
	f.rt = rt
	t.Cleanup(func() { _ = f.broker.Close() })
	return f
}

func (f *fixture) listener(t *testing.T, h proj.Handler) *proj.Listener {
	t.Helper()
	l, err := proj.NewListener(proj.ListenerConfig{
		Name:          readModel,
		AggregateType: domain.AggregateType,
		Events:        []string{"CREATED", "RENAMED", "TAG_ADDED", "DELETED"},
		Decoder:       f.env.Store(),
		Inbox:         f.inbox,
		Store:         f.docs,
		Handler:       h,
		Subscriber:    f.broker,
		Metrics:       f.recorder,
	})
	require.NoError(t, err)
	return l
}

// messages returns the outbox entries as the relay would publish them.
func (f *fixture) messages() []transport.Message {
	entries := f.store.OutboxEntries()
	out := make([]transport.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message()
	}
	return out
}

func (f *fixture) view(t *testing.T, id string) (proj.Doc, categoryView) {
	t.Helper()
	doc, err := f.docs.Get(t.Context(), readModel, id)
	require.NoError(t, err)
	var v categoryView
	if !doc.Deleted {
		require.NoError(t, json.Unmarshal(doc.Data, &v))
	}
	return doc, v
}

func TestListener_AppliesAndDeduplicates(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	l := f.listener(t, proj.Typed(projectCategory))

	v, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts", Group: domain.GroupClothing})
	require.NoError(t, err)
	_, err = f.rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.NoError(t, err)

	msgs := f.messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.NoError(t, l.Handle(ctx, m))
	}

	doc, view := f.view(t, "c1")
	require.Equal(t, es.Version(2), doc.Version)
	require.Equal(t, categoryView{Name: "Tops", Group: domain.GroupClothing}, view)

	// redelivery of both messages
	for _, m := range msgs {
		require.NoError(t, l.Handle(ctx, m))
	}
	again, _ := f.view(t, "c1")
	require.Equal(t, doc, again)
	require.Equal(t, 2, f.recorder.skips("duplicate"))
	require.Equal(t, 2, f.inbox.Len())
}

func TestListener_SkipsStaleEvents(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	l := f.listener(t, proj.Typed(projectCategory))

	v, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	_, err = f.rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.NoError(t, err)

	msgs := f.messages()
	for _, m := range msgs {
		require.NoError(t, l.Handle(ctx, m))
	}

	// the first event again, published under a new message id
	stale := msgs[0]
	stale.ID = "republished"
	require.NoError(t, l.Handle(ctx, stale))

	_, view := f.view(t, "c1")
	require.Equal(t, "Tops", view.Name)
	require.Equal(t, 1, f.recorder.skips("stale"))
}

func TestListener_FailureLeavesMessageUnrecorded(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	var calls atomic.Int32
	boom := errors.New("read model unavailable")
	l := f.listener(t, proj.HandlerFunc(func(ctx context.Context, cur *proj.Doc, ev proj.Event) (proj.Update, error) {
		if calls.Add(1) == 1 {
			return proj.Update{}, boom
		}
		return proj.Typed(projectCategory).Project(ctx, cur, ev)
	}))

	_, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	msg := f.messages()[0]

	require.ErrorIs(t, l.Handle(ctx, msg), boom)
	require.Zero(t, f.inbox.Len())
	_, err = f.docs.Get(ctx, readModel, "c1")
	require.ErrorIs(t, err, proj.ErrNotFound)

	require.NoError(t, l.Handle(ctx, msg))
	_, view := f.view(t, "c1")
	require.Equal(t, "Shirts", view.Name)
	require.Equal(t, 1, f.inbox.Len())
}

type flakyStore struct {
	*proj.InMemoryStore
	failUpserts atomic.Int32
}

func (s *flakyStore) Upsert(ctx context.Context, doc proj.Doc) (bool, error) {
	if s.failUpserts.Add(-1) >= 0 {
		return false, errors.New("read model store down")
	}
	return s.InMemoryStore.Upsert(ctx, doc)
}

type flakyInbox struct {
	*inbox.InMemory
	failInserts atomic.Int32
	failForgets atomic.Int32
}

func (i *flakyInbox) TryInsert(ctx context.Context, messageID string, at time.Time) (inbox.Result, error) {
	if i.failInserts.Add(-1) >= 0 {
		return 0, errors.New("inbox down")
	}
	return i.InMemory.TryInsert(ctx, messageID, at)
}

func (i *flakyInbox) Forget(ctx context.Context, messageID string) error {
	if i.failForgets.Add(-1) >= 0 {
		return errors.New("inbox down")
	}
	return i.InMemory.Forget(ctx, messageID)
}

func TestListener_StoreOutageDoesNotLoseMessages(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	docs := &flakyStore{InMemoryStore: f.docs}
	ib := &flakyInbox{InMemory: f.inbox}
	docs.failUpserts.Store(1)
	ib.failInserts.Store(1)
	ib.failForgets.Store(1)

	l, err := proj.NewListener(proj.ListenerConfig{
		Name:          readModel,
		AggregateType: domain.AggregateType,
		Events:        []string{"CREATED", "RENAMED"},
		Decoder:       f.env.Store(),
		Inbox:         ib,
		Store:         docs,
		Handler:       proj.Typed(projectCategory),
		Subscriber:    f.broker,
		Metrics:       f.recorder,
	})
	require.NoError(t, err)

	v, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	_, err = f.rt.Submit(ctx, "c1", v, domain.Rename{Name: "Tops"})
	require.NoError(t, err)
	msgs := f.messages()
	require.Len(t, msgs, 2)

	// the update fails while the inbox is unreachable too
	require.Error(t, l.Handle(ctx, msgs[0]))
	require.Zero(t, f.inbox.Len())

	// redelivery: the update lands, recording the message fails
	require.Error(t, l.Handle(ctx, msgs[0]))
	doc, view := f.view(t, "c1")
	require.Equal(t, es.Version(1), doc.Version)
	require.Equal(t, "Shirts", view.Name)
	require.Zero(t, f.inbox.Len())

	// next redelivery is recognised as already applied and recorded
	require.NoError(t, l.Handle(ctx, msgs[0]))
	require.Equal(t, 1, f.inbox.Len())
	require.Equal(t, 1, f.recorder.skips("stale"))

	require.NoError(t, l.Handle(ctx, msgs[1]))
	require.NoError(t, l.Handle(ctx, msgs[0]))
	doc, view = f.view(t, "c1")
	require.Equal(t, es.Version(2), doc.Version)
	require.Equal(t, "Tops", view.Name)
	require.Equal(t, 1, f.recorder.skips("duplicate"))
	require.Equal(t, 2, f.inbox.Len())
}

func TestListener_DeleteWritesTombstone(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	l := f.listener(t, proj.Typed(projectCategory))

	v, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	_, err = f.rt.Submit(ctx, "c2", 0, domain.Create{Name: "Shoes"})
	require.NoError(t, err)
	_, err = f.rt.Submit(ctx, "c1", v, domain.Delete{})
	require.NoError(t, err)

	for _, m := range f.messages() {
		require.NoError(t, l.Handle(ctx, m))
	}

	doc, _ := f.view(t, "c1")
	require.True(t, doc.Deleted)
	require.Equal(t, es.Version(2), doc.Version)

	page, err := f.docs.Find(ctx, readModel, proj.Query{})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	require.Equal(t, "c2", page.Docs[0].ID)
}

func TestListener_DropsMalformedMessages(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	l := f.listener(t, proj.Typed(projectCategory))

	require.NoError(t, l.Handle(ctx, transport.Message{ID: "m1", Target: "category.CREATED", Payload: []byte("not json")}))
	require.NoError(t, l.Handle(ctx, transport.Message{ID: "m2", Target: "category.CREATED", Payload: []byte(`{"aggregate":"product","aggregate_id":"p1"}`)}))
	require.Equal(t, 1, f.recorder.skips("malformed"))
	require.Equal(t, 1, f.recorder.skips("ignored"))
	require.Zero(t, f.inbox.Len())
}

func TestListener_Config(t *testing.T) {
	_, err := proj.NewListener(proj.ListenerConfig{Name: "x"})
	require.Error(t, err)
	require.ErrorContains(t, err, "aggregate type is required")
	require.ErrorContains(t, err, "subscriber is required")
}

func TestListener_ThroughRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	relayRef := &atomic.Pointer[outbox.Relay]{}
	f := newFixture(t, es.WithCommitHook(func() {
		if r := relayRef.Load(); r != nil {
			r.Notify()
		}
	}))
	relay := outbox.NewRelay(f.store, f.broker, outbox.WithInterval(20*time.Millisecond))
	relayRef.Store(relay)

	l := f.listener(t, proj.Typed(projectCategory))
	require.NoError(t, l.Start(ctx))
	defer func() { require.NoError(t, l.Stop()) }()
	require.ErrorIs(t, l.Start(ctx), proj.ErrListenerStarted)

	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	v, err := f.rt.Submit(ctx, "c1", 0, domain.Create{Name: "Shirts"})
	require.NoError(t, err)
	v, err = f.rt.Submit(ctx, "c1", v, domain.AddTag{Tag: "summer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := f.docs.Get(ctx, readModel, "c1")
		return err == nil && doc.Version == v
	}, 2*time.Second, 5*time.Millisecond)

	// the broker delivers a message a second time
	dup := f.broker.Published()[0]
	require.NoError(t, f.broker.Publish(ctx, dup))
	require.Eventually(t, func() bool { return f.recorder.skips("duplicate") == 1 }, 2*time.Second, 5*time.Millisecond)

	doc, view := f.view(t, "c1")
	require.Equal(t, v, doc.Version)
	require.Equal(t, categoryView{Name: "Shirts", Group: domain.GroupNone, Tags: []string{"summer"}}, view)

	require.Eventually(t, func() bool {
		for _, e := range f.store.OutboxEntries() {
			if !e.Published() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-relayDone)
}
