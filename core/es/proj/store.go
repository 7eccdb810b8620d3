// Package proj runs listeners that keep read models up to date from the
// integration messages of aggregates.
//
// A listener receives messages at least once. It deduplicates them through
// an inbox, ignores events older than the read model it is about to change
// and writes the result with a version guard, so redeliveries and reordered
// stale messages leave the read model unchanged.
package proj

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
)

var ErrNotFound = errors.New("read model not found")

// Doc is one read model document, keyed by (Name, ID). ID is the id of the
// aggregate the document is derived from and Version the aggregate version
// it reflects.
type Doc struct {
	Name    string     `json:"name"`
	ID      string     `json:"id"`
	Version es.Version `json:"version"`
	// Deleted marks a tombstone. It keeps the version so that updates for
	// older versions are still rejected.
	Deleted   bool            `json:"deleted,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Query selects documents whose top-level data fields equal the values in
// Match. Tombstones never match. Results are ordered by id.
type Query struct {
	Match  map[string]any
	Offset int
	// Limit caps the page size; 0 means no limit.
	Limit int
}

type Page struct {
	Docs []Doc
	// Total counts all matching documents, ignoring Offset and Limit.
	Total int
}

// Store persists read model documents.
type Store interface {
	// Get returns the document or ErrNotFound. Tombstones are returned.
	Get(ctx context.Context, name, id string) (Doc, error)
	// Upsert writes doc if no document exists or the stored one has a lower
	// version, and reports whether it did.
	Upsert(ctx context.Context, doc Doc) (bool, error)
	Find(ctx context.Context, name string, q Query) (Page, error)
}

// Matches reports whether the JSON object data has every field in match set
// to an equal value. Values are compared after a JSON round trip, so 3 and
// 3.0 are equal.
func Matches(data json.RawMessage, match map[string]any) bool {
	if len(match) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for k, want := range match {
		raw, ok := fields[k]
		if !ok {
			return false
		}
		var got any
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		if !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// Paginate skips Offset documents of an ordered result and caps the rest
// at Limit.
func Paginate(docs []Doc, q Query) Page {
	total := len(docs)
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			docs = nil
		} else {
			docs = docs[q.Offset:]
		}
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return Page{Docs: docs, Total: total}
}
