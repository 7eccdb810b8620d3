package es

import (
	"encoding/json"
	"fmt"
)

// PatchObject builds a PatchFunc that edits the payload as a JSON object.
// Field values stay encoded, so numbers keep their exact representation.
func PatchObject(edit func(fields map[string]json.RawMessage) error) PatchFunc {
	return func(data json.RawMessage) (json.RawMessage, error) {
		fields := map[string]json.RawMessage{}
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("payload is not a json object: %w", err)
			}
		}
		if err := edit(fields); err != nil {
			return nil, err
		}
		return json.Marshal(fields)
	}
}

// AddField sets name to value when the payload does not carry it yet.
func AddField(name string, value any) PatchFunc {
	return PatchObject(func(fields map[string]json.RawMessage) error {
		if _, ok := fields[name]; ok {
			return nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode default for %s: %w", name, err)
		}
		fields[name] = encoded
		return nil
	})
}

// RenameField moves a field to a new name. A payload without the field is
// left untouched.
func RenameField(from, to string) PatchFunc {
	return PatchObject(func(fields map[string]json.RawMessage) error {
		v, ok := fields[from]
		if !ok {
			return nil
		}
		delete(fields, from)
		fields[to] = v
		return nil
	})
}

func RemoveField(name string) PatchFunc {
	return PatchObject(func(fields map[string]json.RawMessage) error {
		delete(fields, name)
		return nil
	})
}

// ChainPatches applies several transforms as one patch step.
func ChainPatches(fns ...PatchFunc) PatchFunc {
	return func(data json.RawMessage) (json.RawMessage, error) {
		var err error
		for _, fn := range fns {
			if data, err = fn(data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
}
