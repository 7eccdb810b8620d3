// Package domain holds the category aggregate the event store tests run
// against. Categories group catalog items; they can be renamed, tagged up
// to a fixed capacity and deleted.
package domain

import (
	"slices"
	"strings"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
)

const (
	AggregateType = "category"
	MaxTags       = 8

	GroupNone     = "NONE"
	GroupClothing = "CLOTHING"
)

// === State ===

type State struct {
	Name    string   `json:"name"`
	Group   string   `json:"group"`
	Tags    []string `json:"tags,omitempty"`
	Renames int      `json:"renames"`
	Created bool     `json:"created"`
	Deleted bool     `json:"deleted"`
}

// === Events ===

type Event interface {
	es.Event
	isCategoryEvent()
}

type (
	// Created gained Group in schema version 1.
	Created struct {
		Name  string `json:"name"`
		Group string `json:"group"`
	}
	Renamed struct {
		Name string `json:"name"`
	}
	TagAdded struct {
		Tag string `json:"tag"`
	}
	Deleted struct{}
)

func (Created) EventType() string  { return "CREATED" }
func (Created) EventVersion() int  { return 1 }
func (Renamed) EventType() string  { return "RENAMED" }
func (TagAdded) EventType() string { return "TAG_ADDED" }
func (Deleted) EventType() string  { return "DELETED" }

func (Created) isCategoryEvent()  {}
func (Renamed) isCategoryEvent()  {}
func (TagAdded) isCategoryEvent() {}
func (Deleted) isCategoryEvent()  {}

// === Commands ===

type Command interface{ isCategoryCommand() }

type (
	Create struct {
		Name  string
		Group string
	}
	Rename struct {
		Name string
	}
	AddTag struct {
		Tag string
	}
	Delete struct{}
)

func (Create) isCategoryCommand() {}
func (Rename) isCategoryCommand() {}
func (AddTag) isCategoryCommand() {}
func (Delete) isCategoryCommand() {}

// === Aggregate ===

type Aggregate struct{}

func (Aggregate) Type() string         { return AggregateType }
func (Aggregate) SnapshotVersion() int { return 0 }
func (Aggregate) Initial() State       { return State{} }

func (Aggregate) Events() []es.EventDef {
	return []es.EventDef{
		es.DefineEvent[Created](),
		es.DefineEvent[Renamed](),
		es.DefineEvent[TagAdded](),
		es.DefineEvent[Deleted](),
	}
}

func (Aggregate) Apply(s State, ev Event) State {
	switch e := ev.(type) {
	case Created:
		s.Name = e.Name
		s.Group = e.Group
		s.Created = true
	case Renamed:
		s.Name = e.Name
		s.Renames++
	case TagAdded:
		s.Tags = append(slices.Clone(s.Tags), e.Tag)
	case Deleted:
		s.Deleted = true
	}
	return s
}

func (Aggregate) Handle(s State, cmd Command) ([]Event, error) {
	if s.Deleted {
		return nil, es.Violation("category is deleted")
	}

	switch c := cmd.(type) {
	case Create:
		if s.Created {
			return nil, es.Violation("category already exists")
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, es.Violation("name must not be blank")
		}
		group := c.Group
		if group == "" {
			group = GroupNone
		}
		return []Event{Created{Name: name, Group: group}}, nil

	case Rename:
		if !s.Created {
			return nil, es.Violation("category does not exist")
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, es.Violation("name must not be blank")
		}
		if name == s.Name {
			return nil, nil
		}
		return []Event{Renamed{Name: name}}, nil

	case AddTag:
		if !s.Created {
			return nil, es.Violation("category does not exist")
		}
		if len(s.Tags) >= MaxTags {
			return nil, es.Violation("cannot add more than %d tags", MaxTags)
		}
		return []Event{TagAdded{Tag: c.Tag}}, nil

	case Delete:
		if !s.Created {
			return nil, es.Violation("category does not exist")
		}
		return []Event{Deleted{}}, nil
	}
	return nil, es.Violation("unsupported command %T", cmd)
}

var _ es.Aggregate[State, Event, Command] = Aggregate{}

// EnvOptions registers the aggregate and its patches with an es.Env.
func EnvOptions() []es.EnvOption {
	return []es.EnvOption{
		es.WithAggregates(Aggregate{}),
		es.WithPatches(Patches()...),
	}
}

// Patches upgrades CREATED events written before the group was introduced.
func Patches() []es.Patch {
	return []es.Patch{{
		AggregateType: AggregateType,
		EventName:     "CREATED",
		From:          0,
		To:            1,
		Transform:     es.AddField("group", GroupNone),
	}}
}
