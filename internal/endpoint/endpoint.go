// Package endpoint binds record types to their remote root, push/pull
// channel, connection state and cursor.
package endpoint

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors.
var (
	ErrImmutable       = errors.New("endpoint is immutable")
	ErrInvalidSpec     = errors.New("invalid endpoint spec")
	ErrBadTransition   = errors.New("invalid connection state transition")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// State is the connection state of an endpoint.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Spec describes an endpoint before it is registered.
type Spec struct {
	Entity     string
	RecordType string
	RemoteRoot string
	Priority   int
}

// Endpoint is the binding of one entity to its remote root, local cache and
// channel. Identity fields never change after creation.
type Endpoint struct {
	Entity     string
	RecordType string
	RemoteRoot string
	Channel    string
	Priority   int

	mu              sync.Mutex
	state           State
	lastMessageTime int64
}

func newEndpoint(identity string, spec Spec) *Endpoint {
	recordType := spec.RecordType
	if recordType == "" {
		recordType = spec.Entity
	}
	return &Endpoint{
		Entity:     spec.Entity,
		RecordType: recordType,
		RemoteRoot: NormalizeRoot(spec.RemoteRoot),
		Channel:    Channel(identity, spec.Entity, spec.RemoteRoot),
		Priority:   spec.Priority,
	}
}

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transition moves the endpoint to next. Only the edges of the
// Disconnected → Connecting → Connected → Disconnected cycle are allowed, plus
// Connecting → Disconnected for a failed connect. Moving to the current state
// is a no-op.
func (e *Endpoint) Transition(next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == next {
		return nil
	}
	ok := false
	switch e.state {
	case Disconnected:
		ok = next == Connecting
	case Connecting:
		ok = next == Connected || next == Disconnected
	case Connected:
		ok = next == Disconnected
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrBadTransition, e.state, next, e.Entity)
	}
	e.state = next
	return nil
}

// LastMessageTime returns the in-memory copy of the channel cursor.
func (e *Endpoint) LastMessageTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMessageTime
}

// ObserveCursor records a cursor value that has already been durably stored.
// Older values are ignored so the cursor never moves backwards.
func (e *Endpoint) ObserveCursor(t int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t > e.lastMessageTime {
		e.lastMessageTime = t
	}
}

// URL returns the remote URL for a record id, or the root for an empty id.
func (e *Endpoint) URL(id string) string {
	if id == "" {
		return e.RemoteRoot
	}
	return e.RemoteRoot + "/" + id
}
