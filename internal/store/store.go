// Package store persists cached records, channel cursors, the offline queue
// and sync history. Two backends implement Store: SQLite (default) and Pebble.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/replica/internal/message"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the local persistence port.
type Store interface {
	// Apply writes one change to the record cache and returns the resulting
	// attributes (nil for a delete). create and update replace the record,
	// patch merges into it, delete removes it. Applying the same change twice
	// leaves the same state.
	Apply(ctx context.Context, entity, id string, method message.Method, data message.Attrs) (message.Attrs, error)
	// Reset replaces every cached record of entity.
	Reset(ctx context.Context, entity string, records []message.Attrs) error
	Get(ctx context.Context, entity, id string) (message.Attrs, error)
	List(ctx context.Context, entity string) ([]message.Attrs, error)

	Cursor(ctx context.Context, channel string) (int64, error)
	// AdvanceCursor stores t for channel unless the stored value is newer,
	// and returns the value now stored.
	AdvanceCursor(ctx context.Context, channel string, t int64) (int64, error)

	PutQueued(ctx context.Context, msg message.Message) error
	GetQueued(ctx context.Context, key string) (message.Message, error)
	DeleteQueued(ctx context.Context, key string) error
	// ListQueued returns queued messages ordered by priority, time, then id.
	ListQueued(ctx context.Context) ([]message.Message, error)

	RecordHistory(ctx context.Context, entries []HistoryEntry) error
	HistoryTail(ctx context.Context, limit int) ([]HistoryEntry, error)
	HistorySince(ctx context.Context, afterID int64, limit int) ([]HistoryEntry, error)
	PruneHistory(ctx context.Context, maxRows int) error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Open opens the backend named kind at path.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", BackendSQLite:
		return OpenSQLite(path)
	case BackendPebble:
		return OpenPebble(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// History directions.
const (
	DirectionPush     = "push"
	DirectionPull     = "pull"
	DirectionConflict = "conflict"
)

// HistoryEntry is one row of the sync history log.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	Direction  string    `json:"direction"`   // push, pull or conflict
	ActionType string    `json:"action_type"` // create, update, patch, delete
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ServerSeq  int64     `json:"server_seq"` // message time for pulls
	DeviceID   string    `json:"device_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// applyAttrs computes the record state after method is applied to current.
// ok is false when the record should not exist afterwards.
func applyAttrs(current message.Attrs, id string, method message.Method, data message.Attrs) (message.Attrs, bool, error) {
	var next message.Attrs
	switch method {
	case message.Create, message.Update:
		next = data.Clone()
	case message.Patch:
		next = current.Merge(data)
	case message.Delete:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: cannot apply %q", message.ErrMalformed, method)
	}
	if next == nil {
		next = message.Attrs{}
	}
	next["id"] = id
	return next, true, nil
}

func queuedOrderLess(a, b message.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Key() < b.Key()
}
