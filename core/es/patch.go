package es

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// PatchFunc upgrades a payload from one schema version to the next.
type PatchFunc func(data json.RawMessage) (json.RawMessage, error)

// Patch upgrades payloads of one event from schema version From to To.
type Patch struct {
	AggregateType string
	EventName     string
	From          int
	To            int
	Transform     PatchFunc
}

type patchKey struct {
	aggType string
	name    string
	from    int
}

// PatchRegistry holds the patches for all events and upgrades stored
// payloads to the shape the code expects. Resolution starts at the stored
// version and applies the patch registered for it until no patch matches;
// the version reached must be the current one.
type PatchRegistry struct {
	events *EventRegistry

	mu      sync.RWMutex
	patches map[patchKey]Patch
}

func NewPatchRegistry(events *EventRegistry) *PatchRegistry {
	return &PatchRegistry{
		events:  events,
		patches: map[patchKey]Patch{},
	}
}

// Register adds patches. A second patch for the same event and From
// version is rejected.
func (r *PatchRegistry) Register(patches ...Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patches {
		if p.Transform == nil {
			return fmt.Errorf("patch %s/%s v%d: transform is nil", p.AggregateType, p.EventName, p.From)
		}
		k := patchKey{p.AggregateType, p.EventName, p.From}
		if _, ok := r.patches[k]; ok {
			return fmt.Errorf("patch %s/%s v%d: already registered", p.AggregateType, p.EventName, p.From)
		}
		r.patches[k] = p
	}
	return nil
}

func (r *PatchRegistry) MustRegister(patches ...Patch) {
	if err := r.Register(patches...); err != nil {
		panic(err)
	}
}

// Resolve upgrades a payload stored at version to the current schema
// version of the event.
func (r *PatchRegistry) Resolve(aggType, name string, version int, data json.RawMessage) (json.RawMessage, int, error) {
	current, ok := r.events.CurrentVersion(aggType, name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, aggType, name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := version
	for steps := 0; ; steps++ {
		p, ok := r.patches[patchKey{aggType, name, version}]
		if !ok {
			break
		}
		if steps > len(r.patches) {
			return nil, 0, fmt.Errorf("%w: %s/%s: cycle at v%d", ErrUnresolvablePatchChain, aggType, name, version)
		}
		next, err := p.Transform(data)
		if err != nil {
			return nil, 0, fmt.Errorf(
				"%w: %s/%s v%d -> v%d: %w",
				ErrUnresolvablePatchChain, aggType, name, p.From, p.To, err,
			)
		}
		data, version = next, p.To
	}

	if version != current {
		return nil, 0, fmt.Errorf(
			"%w: %s/%s stored at v%d reaches v%d, code expects v%d",
			ErrUnresolvablePatchChain, aggType, name, stored, version, current,
		)
	}
	return data, version, nil
}

// Upgrade resolves the payload of an envelope. Envelopes already at the
// current version are returned unchanged.
func (r *PatchRegistry) Upgrade(env Envelope) (Envelope, error) {
	if current, ok := r.events.CurrentVersion(env.AggregateType, env.Type); ok && current == env.SchemaVersion {
		return env, nil
	}
	data, version, err := r.Resolve(env.AggregateType, env.Type, env.SchemaVersion, env.Data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	env.SchemaVersion = version
	return env, nil
}

// Validate checks every chain once, at startup: each version a patch starts
// from must lead to the current version of a registered event, and versions
// must strictly increase along the chain.
func (r *PatchRegistry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]patchKey, 0, len(r.patches))
	for k := range r.patches {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b patchKey) int {
		return cmp.Or(
			cmp.Compare(a.aggType, b.aggType),
			cmp.Compare(a.name, b.name),
			cmp.Compare(a.from, b.from),
		)
	})

	var errs []error
	for _, k := range keys {
		p := r.patches[k]
		current, ok := r.events.CurrentVersion(k.aggType, k.name)
		if !ok {
			errs = append(errs, fmt.Errorf("%s/%s v%d: patches an unregistered event", k.aggType, k.name, k.from))
			continue
		}
		if p.To <= p.From {
			errs = append(errs, fmt.Errorf("%s/%s v%d -> v%d: versions must increase", k.aggType, k.name, p.From, p.To))
			continue
		}

		v := k.from
		for {
			next, ok := r.patches[patchKey{k.aggType, k.name, v}]
			if !ok || next.To <= next.From {
				break
			}
			v = next.To
		}
		if v != current {
			errs = append(errs, fmt.Errorf(
				"%s/%s v%d: chain ends at v%d, code expects v%d",
				k.aggType, k.name, k.from, v, current,
			))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrUnresolvablePatchChain, errors.Join(errs...))
	}
	return nil
}
