package proj

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
)

// Action tells the listener what to do with the read model after an event.
type Action int

const (
	// Keep writes the returned data.
	Keep Action = iota
	// Delete replaces the document with a tombstone.
	Delete
	// Skip leaves the document untouched.
	Skip
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Delete:
		return "delete"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Event is a received event: the envelope upgraded to the current schema
// and its decoded payload.
type Event struct {
	Envelope es.Envelope
	Payload  any
}

type Update struct {
	Action Action
	Data   json.RawMessage
}

// Handler computes the next state of a read model document. cur is nil if
// no document exists; it may be a tombstone.
type Handler interface {
	Project(ctx context.Context, cur *Doc, ev Event) (Update, error)
}

type HandlerFunc func(ctx context.Context, cur *Doc, ev Event) (Update, error)

func (f HandlerFunc) Project(ctx context.Context, cur *Doc, ev Event) (Update, error) {
	return f(ctx, cur, ev)
}

// Typed adapts a function over a typed document. exists is false if there
// is no document or it was deleted; cur is the zero T then.
func Typed[T any](fn func(cur T, exists bool, ev Event) (T, Action, error)) Handler {
	return HandlerFunc(func(_ context.Context, doc *Doc, ev Event) (Update, error) {
		var (
			cur    T
			exists = doc != nil && !doc.Deleted
		)
		if exists && len(doc.Data) > 0 {
			if err := json.Unmarshal(doc.Data, &cur); err != nil {
				return Update{}, fmt.Errorf("decode %s/%s: %w", doc.Name, doc.ID, err)
			}
		}

		next, action, err := fn(cur, exists, ev)
		if err != nil || action != Keep {
			return Update{Action: action}, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return Update{}, fmt.Errorf("encode read model: %w", err)
		}
		return Update{Action: Keep, Data: data}, nil
	})
}
