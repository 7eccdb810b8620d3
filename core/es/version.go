package es

import "log/slog"

// Version is the sequence number of the last event applied to an aggregate.
// The first event of an aggregate has version 1; 0 means the aggregate does
// not exist yet. Commands carry the version they were issued against and
// the store only appends if it still matches (optimistic concurrency).
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
