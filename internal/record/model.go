// Package record provides the record containers the engine reads and writes:
// a single Model with identity and change tracking, and an ordered Collection.
package record

import (
	"slices"
	"sync"

	"github.com/marcus/replica/internal/message"
)

// Model is an observable attribute bag with a stable identity.
type Model struct {
	entity string

	mu       sync.RWMutex
	attrs    message.Attrs
	changed  map[string]bool
	deleted  bool
	synced   bool
	onChange []func(*Model)
}

// NewModel creates a model for entity. The id, when present, is read from
// attrs["id"]. A fresh model counts every attribute as changed.
func NewModel(entity string, attrs message.Attrs) *Model {
	m := &Model{
		entity:  entity,
		attrs:   attrs.Clone(),
		changed: make(map[string]bool, len(attrs)),
	}
	if m.attrs == nil {
		m.attrs = message.Attrs{}
	}
	for k := range m.attrs {
		m.changed[k] = true
	}
	return m
}

// Entity returns the record type name.
func (m *Model) Entity() string { return m.entity }

// ID returns the record id.
func (m *Model) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs.ID()
}

// Get returns a single attribute.
func (m *Model) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attrs[key]
	return v, ok
}

// Attributes returns a copy of every attribute.
func (m *Model) Attributes() message.Attrs {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs.Clone()
}

// Set merges attrs into the model and marks those keys as changed.
func (m *Model) Set(attrs message.Attrs) {
	m.mu.Lock()
	m.attrs = m.attrs.Merge(attrs)
	for k := range attrs {
		m.changed[k] = true
	}
	m.deleted = false
	m.mu.Unlock()
	m.notify()
}

// Changed returns the attributes changed since the last successful sync.
// The id is always included.
func (m *Model) Changed() message.Attrs {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(message.Attrs, len(m.changed)+1)
	for k := range m.changed {
		if v, ok := m.attrs[k]; ok {
			out[k] = v
		}
	}
	if id, ok := m.attrs["id"]; ok {
		out["id"] = id
	}
	return out.Clone()
}

// HasChanges reports whether anything changed since the last sync.
func (m *Model) HasChanges() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.changed) > 0
}

// Reset replaces every attribute with canonical server state and clears the
// change set.
func (m *Model) Reset(attrs message.Attrs) {
	m.mu.Lock()
	m.attrs = attrs.Clone()
	if m.attrs == nil {
		m.attrs = message.Attrs{}
	}
	m.changed = make(map[string]bool)
	m.deleted = false
	m.synced = true
	m.mu.Unlock()
	m.notify()
}

// MarkSynced clears the change set after a successful round trip.
func (m *Model) MarkSynced() {
	m.mu.Lock()
	m.changed = make(map[string]bool)
	m.synced = true
	m.mu.Unlock()
}

// MarkDeleted flags the model as removed on the server or locally.
func (m *Model) MarkDeleted() {
	m.mu.Lock()
	m.deleted = true
	m.mu.Unlock()
	m.notify()
}

// Deleted reports whether the model was deleted.
func (m *Model) Deleted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted
}

// Synced reports whether the model has completed at least one round trip.
func (m *Model) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// OnChange registers fn to run after every attribute change.
func (m *Model) OnChange(fn func(*Model)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Model) notify() {
	m.mu.RLock()
	fns := slices.Clone(m.onChange)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
