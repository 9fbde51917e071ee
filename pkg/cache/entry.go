package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Staleness tells readers whether an entry can be served as-is.
type Staleness int

const (
	// Fresh entries are known-current and may be served directly.
	Fresh Staleness = iota
	// Stale entries may be served while a refetch runs.
	Stale
	// Pending entries have a fetch in flight.
	Pending
)

func (s Staleness) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("staleness(%d)", int(s))
	}
}

func (s Staleness) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Entry is a snapshot of one key as held by the Store.
type Entry struct {
	Key       Key       `json:"-"`
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	Staleness Staleness `json:"staleness"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsFresh reports whether the entry may be served without a refetch.
func (e Entry) IsFresh() bool {
	return e.Staleness == Fresh
}

// Record is the snapshot shape of a single entity.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	return maps.Clone(r)
}

// Merge returns a new record with changes applied on top of r. r is not modified.
func (r Record) Merge(changes map[string]any) Record {
	out := make(Record, len(r)+len(changes))
	maps.Copy(out, r)
	maps.Copy(out, changes)
	return out
}

// AsRecord converts cached values that hold a single entity into a Record.
func AsRecord(v any) (Record, bool) {
	switch rec := v.(type) {
	case Record:
		return rec, true
	case map[string]any:
		return Record(rec), true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// Snapshot is what a loader returns for a key.
type Snapshot struct {
	Value   any
	Version int64
}

// Loader fetches the authoritative snapshot for a key.
type Loader func(ctx context.Context, key Key) (Snapshot, error)

// EventKind describes what happened to an entry.
type EventKind int

const (
	EventUpdated EventKind = iota
	EventInvalidated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is published on a key's topic whenever its entry changes.
type Event struct {
	Kind  EventKind `json:"kind"`
	Key   string    `json:"key"`
	Entry Entry     `json:"entry"`
}
