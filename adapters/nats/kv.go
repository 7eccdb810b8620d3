package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

const (
	defaultReadModelBucket = "kicherkrabbe_read_models"
	maxCASRetries          = 10
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	Log     *slog.Logger
	// TTL expires keys after the given duration. Zero keeps them.
	TTL time.Duration
}

func openBucket(ctx context.Context, cfg KvConfig, defaultBucket string) (jetstream.KeyValue, closeFunc, error) {
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	nc, closeNc, err := connect()
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, nil, fmt.Errorf("nats: jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		TTL:     cfg.TTL,
	})
	if err != nil {
		closeNc()
		return nil, nil, fmt.Errorf("nats: bucket %s: %w", bucket, err)
	}
	return kv, closeNc, nil
}

// revisionConflict reports whether a write lost a compare-and-set race.
func revisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// ReadModelStore keeps read model documents in a JetStream key value
// bucket under <name>.<id>. Upserts compare the stored revision, so two
// listener instances writing the same document never lose the newer version.
type ReadModelStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
}

func NewReadModelStore(ctx context.Context, cfg KvConfig) (*ReadModelStore, error) {
	kv, closeNc, err := openBucket(ctx, cfg, defaultReadModelBucket)
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &ReadModelStore{
		kv:      kv,
		closeNc: closeNc,
		log:     log.With(slog.String("store", "nats.kv"), slog.String("bucket", kv.Bucket())),
	}, nil
}

func docKey(name, id string) string { return name + "." + id }

func (s *ReadModelStore) get(ctx context.Context, name, id string) (proj.Doc, uint64, error) {
	entry, err := s.kv.Get(ctx, docKey(name, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return proj.Doc{}, 0, proj.ErrNotFound
	}
	if err != nil {
		return proj.Doc{}, 0, err
	}
	var d proj.Doc
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return proj.Doc{}, 0, fmt.Errorf("decode %s: %w", entry.Key(), err)
	}
	return d, entry.Revision(), nil
}

func (s *ReadModelStore) Get(ctx context.Context, name, id string) (proj.Doc, error) {
	d, _, err := s.get(ctx, name, id)
	return d, err
}

func (s *ReadModelStore) Upsert(ctx context.Context, doc proj.Doc) (bool, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	key := docKey(doc.Name, doc.ID)

	for range maxCASRetries {
		cur, rev, err := s.get(ctx, doc.Name, doc.ID)
		switch {
		case errors.Is(err, proj.ErrNotFound):
			_, err = s.kv.Create(ctx, key, data)
		case err != nil:
			return false, err
		case cur.Version >= doc.Version:
			return false, nil
		default:
			_, err = s.kv.Update(ctx, key, data, rev)
		}
		if err == nil {
			return true, nil
		}
		if !revisionConflict(err) {
			return false, fmt.Errorf("nats: write %s: %w", key, err)
		}
		s.log.Debug("revision changed, retrying", slog.String("key", key))
	}
	return false, fmt.Errorf("nats: write %s: too many concurrent updates", key)
}

func (s *ReadModelStore) Find(ctx context.Context, name string, q proj.Query) (proj.Page, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, name+".>")
	if err != nil {
		return proj.Page{}, err
	}
	defer func() { _ = lister.Stop() }()

	var docs []proj.Doc
	for key := range lister.Keys() {
		d, _, err := s.get(ctx, name, strings.TrimPrefix(key, name+"."))
		if errors.Is(err, proj.ErrNotFound) {
			continue
		}
		if err != nil {
			return proj.Page{}, err
		}
		if !d.Deleted && proj.Matches(d.Data, q.Match) {
			docs = append(docs, d)
		}
	}

	slices.SortFunc(docs, func(a, b proj.Doc) int { return cmp.Compare(a.ID, b.ID) })
	return proj.Paginate(docs, q), nil
}

func (s *ReadModelStore) Close() { s.closeNc() }

// Inbox records message ids as keys of a bucket. Create fails for an
// existing key, which makes the insert the dedup gate. Entries expire
// through the bucket TTL, so Prune does nothing.
type Inbox struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

// NewInbox opens the inbox bucket of one consumer. Use one bucket per
// consumer, e.g. "inbox_<listener>".
func NewInbox(ctx context.Context, cfg KvConfig) (*Inbox, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("nats: inbox bucket is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	kv, closeNc, err := openBucket(ctx, cfg, "")
	if err != nil {
		return nil, err
	}
	return &Inbox{kv: kv, closeNc: closeNc}, nil
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, inbox.ErrInvalidMessageID
	}
	_, err := i.kv.Get(ctx, messageID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats: inbox lookup: %w", err)
	}
	return true, nil
}

func (i *Inbox) TryInsert(ctx context.Context, messageID string, receivedAt time.Time) (inbox.Result, error) {
	if messageID == "" {
		return 0, inbox.ErrInvalidMessageID
	}
	_, err := i.kv.Create(ctx, messageID, []byte(receivedAt.UTC().Format(time.RFC3339Nano)))
	if err == nil {
		return inbox.Inserted, nil
	}
	if revisionConflict(err) {
		return inbox.AlreadySeen, nil
	}
	return 0, fmt.Errorf("nats: inbox insert: %w", err)
}

func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	err := i.kv.Delete(ctx, messageID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats: inbox forget: %w", err)
	}
	return nil
}

func (i *Inbox) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (i *Inbox) Close() { i.closeNc() }

var (
	_ proj.Store  = (*ReadModelStore)(nil)
	_ inbox.Inbox = (*Inbox)(nil)
)
