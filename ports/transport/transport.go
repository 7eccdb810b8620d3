// Package transport defines the boundary between the outbox relay, the
// projection listeners and whatever broker carries integration messages.
//
// A message is addressed to a target, an opaque routing string such as
// "category.RENAMED". Delivery is at-least-once: subscribers must tolerate
// duplicates, which is what the inbox is for.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Header keys set on messages derived from events.
const (
	HeaderMessageID     = "message-id"
	HeaderAggregateType = "aggregate-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderEventType     = "event-type"
	HeaderVersion       = "aggregate-version"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrNoTargets     = errors.New("no targets to subscribe to")
	ErrInvalidTarget = errors.New("invalid target")
)

// Message is a single integration message. ID is globally unique and is
// the deduplication key used by consumers.
type Message struct {
	ID      string            `json:"id"`
	Target  string            `json:"target"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Handler processes one delivered message. Returning an error asks the
// transport to redeliver it later.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscription is returned by Subscribe. Stop stops receiving new messages
// and waits for in-flight handlers to return.
type Subscription interface {
	Stop() error
}

// Subscriber delivers messages for the given targets to h. Subscriptions
// sharing the same name form one consumer group where the broker supports it.
type Subscriber interface {
	Subscribe(ctx context.Context, name string, targets []string, h Handler) (Subscription, error)
}

// Target returns the routing string used for events of the given type.
func Target(aggregateType, eventName string) string {
	return strings.ToLower(aggregateType) + "." + eventName
}

// ValidateTarget rejects empty targets and targets containing whitespace or
// wildcard characters.
func ValidateTarget(target string) error {
	if target == "" {
		return ErrInvalidTarget
	}
	if strings.ContainsAny(target, " \t\r\n*>") {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return nil
}
