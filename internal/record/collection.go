package record

import (
	"sync"

	"github.com/marcus/replica/internal/message"
)

// Collection is an ordered list of records of one entity.
type Collection struct {
	entity string

	mu    sync.RWMutex
	items []message.Attrs
}

// NewCollection creates an empty collection for entity.
func NewCollection(entity string) *Collection {
	return &Collection{entity: entity}
}

// Entity returns the record type name.
func (c *Collection) Entity() string { return c.entity }

// Len returns the number of records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// At returns a copy of the record at index i.
func (c *Collection) At(i int) message.Attrs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.items) {
		return nil
	}
	return c.items[i].Clone()
}

// Items returns a copy of every record in order.
func (c *Collection) Items() []message.Attrs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]message.Attrs, len(c.items))
	for i, it := range c.items {
		out[i] = it.Clone()
	}
	return out
}

// IDs returns the record ids in order.
func (c *Collection) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.ID()
	}
	return out
}

// Index returns the position of id, or -1.
func (c *Collection) Index(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index(id)
}

func (c *Collection) index(id string) int {
	for i, it := range c.items {
		if it.ID() == id {
			return i
		}
	}
	return -1
}

// Insert places attrs at index i, clamped to the list bounds.
func (c *Collection) Insert(i int, attrs message.Attrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 {
		i = 0
	}
	if i > len(c.items) {
		i = len(c.items)
	}
	c.items = append(c.items, nil)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = attrs.Clone()
}

// Append adds records at the end.
func (c *Collection) Append(attrs ...message.Attrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range attrs {
		c.items = append(c.items, a.Clone())
	}
}

// Replace overwrites the record at index i.
func (c *Collection) Replace(i int, attrs message.Attrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.items) {
		c.items[i] = attrs.Clone()
	}
}

// RemoveAt deletes the record at index i and returns it.
func (c *Collection) RemoveAt(i int) message.Attrs {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.items) {
		return nil
	}
	removed := c.items[i]
	c.items = append(c.items[:i], c.items[i+1:]...)
	return removed
}

// Remove deletes the record with id. It is a no-op when absent.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(id)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}

// Truncate drops everything past n records.
func (c *Collection) Truncate(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= 0 && n < len(c.items) {
		c.items = c.items[:n]
	}
}

// Reset replaces the whole list.
func (c *Collection) Reset(items []message.Attrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make([]message.Attrs, len(items))
	for i, it := range items {
		c.items[i] = it.Clone()
	}
}

// With runs fn over the backing slice under the read lock. fn must not keep
// or modify the slice.
func (c *Collection) With(fn func(items []message.Attrs)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.items)
}
