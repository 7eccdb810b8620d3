package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// AgentType tells who caused an event.
type AgentType string

const (
	AgentUser      AgentType = "USER"
	AgentSystem    AgentType = "SYSTEM"
	AgentAnonymous AgentType = "ANONYMOUS"
)

type Agent struct {
	Type AgentType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

func UserAgent(id string) Agent { return Agent{Type: AgentUser, ID: id} }
func SystemAgent() Agent        { return Agent{Type: AgentSystem} }
func AnonymousAgent() Agent     { return Agent{Type: AgentAnonymous} }

// Envelope is a persisted event: the payload plus everything needed to
// order, upgrade and route it.
type Envelope struct {
	// ID is the unique identifier of this event.
	ID string `json:"id"`
	// Version is the per-aggregate sequence number (1, 2, 3, ...). Snapshot
	// events take part in the same numbering.
	Version       Version `json:"version"`
	AggregateType string  `json:"aggregate"`
	AggregateID   string  `json:"aggregate_id"`
	// Type is the event name the payload is registered under.
	Type string `json:"type"`
	// SchemaVersion identifies the shape of Data for this event type.
	SchemaVersion int `json:"schema_version"`
	// Snapshot marks an event whose payload is the complete aggregate state
	// after applying every event up to and including Version.
	Snapshot   bool            `json:"snapshot,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Agent      Agent           `json:"agent"`
	Data       json.RawMessage `json:"data"`
}

// NewEnvelope encodes ev for the given aggregate. Version is left for the
// store to assign.
func NewEnvelope(aggType, aggID string, ev Event, at time.Time, agent Agent) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: encode %s: %w", ErrInvalidEvent, ev.EventType(), err)
	}
	return Envelope{
		ID:            newEventID(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          ev.EventType(),
		SchemaVersion: SchemaVersionOf(ev),
		OccurredAt:    at.UTC(),
		Agent:         agent,
		Data:          data,
	}, nil
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidEvent)
	}
	if e.Version == 0 {
		return fmt.Errorf("%w: version is zero", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred at is zero", ErrInvalidEvent)
	}
	if e.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is empty", ErrInvalidEvent)
	}
	if e.AggregateType == "" {
		return fmt.Errorf("%w: aggregate type is empty", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalidEvent)
	}
	if e.SchemaVersion < 0 {
		return fmt.Errorf("%w: negative schema version", ErrInvalidEvent)
	}
	if e.Agent.Type == "" {
		return fmt.Errorf("%w: agent is empty", ErrInvalidEvent)
	}
	if !json.Valid(e.Data) {
		return fmt.Errorf("%w: payload of %s is not valid json", ErrInvalidEvent, e.Type)
	}
	return nil
}

func (e Envelope) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("aggregate", e.AggregateType),
		slog.String("aggregate_id", e.AggregateID),
		slog.String("type", e.Type),
		slog.Int("schema_version", e.SchemaVersion),
		e.Version.SlogAttr(),
		slog.Bool("snapshot", e.Snapshot),
	)
}

func newEventID() string { return gonanoid.Must() }

// Decoder turns a persisted envelope into its payload value.
type Decoder interface {
	Decode(e Envelope) (any, error)
}
