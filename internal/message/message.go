// Package message defines the unit of change exchanged between the offline
// queue, the transports, and live views.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed is returned for messages that cannot be decoded or applied.
var ErrMalformed = errors.New("malformed message")

// Method is the kind of change a Message carries.
type Method string

const (
	Create Method = "create"
	Update Method = "update"
	Patch  Method = "patch"
	Delete Method = "delete"
	Read   Method = "read"
)

// AllID is the special id used for bulk replacement of a view.
const AllID = "all"

// keySep separates entity and id in a queue key.
const keySep = "~"

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	switch m {
	case Create, Update, Patch, Delete, Read:
		return true
	}
	return false
}

// Mutating reports whether m changes server state and therefore goes through
// the offline queue.
func (m Method) Mutating() bool {
	return m == Create || m == Update || m == Patch || m == Delete
}

// Message is a single change to one record (or, with id "all", a bulk replace).
type Message struct {
	QueueKey string  `json:"-"`
	Entity   string  `json:"entity,omitempty"`
	ID       string  `json:"id"`
	Method   Method  `json:"method"`
	Data     Attrs   `json:"data,omitempty"`
	Records  []Attrs `json:"-"`
	Time     int64   `json:"time"`
	Priority int     `json:"priority,omitempty"`
}

// Key returns the queue key for an entity/id pair.
func Key(entity, id string) string {
	return entity + keySep + id
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (entity, id string, ok bool) {
	entity, id, ok = strings.Cut(key, keySep)
	return
}

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// New builds a message for entity/id stamped with the current time.
func New(entity, id string, method Method, data Attrs) Message {
	return Message{
		QueueKey: Key(entity, id),
		Entity:   entity,
		ID:       id,
		Method:   method,
		Data:     data,
		Time:     Now(),
	}
}

// Key returns the message's queue key, deriving it when unset.
func (m Message) Key() string {
	if m.QueueKey != "" {
		return m.QueueKey
	}
	return Key(m.Entity, m.ID)
}

// IsBulk reports whether the message replaces a whole view.
func (m Message) IsBulk() bool {
	return m.ID == AllID
}

// Validate checks the fields every applied message needs.
func (m Message) Validate() error {
	if !m.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrMalformed, m.Method)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: empty id for %q", ErrMalformed, m.Method)
	}
	if m.Time < 0 {
		return fmt.Errorf("%w: negative time %d", ErrMalformed, m.Time)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Data = m.Data.Clone()
	if m.Records != nil {
		out.Records = make([]Attrs, len(m.Records))
		for i, r := range m.Records {
			out.Records[i] = r.Clone()
		}
	}
	return out
}

// wireMessage is the JSON shape on the wire. Data stays raw so a bulk message
// can carry an array.
type wireMessage struct {
	Entity   string          `json:"entity,omitempty"`
	ID       string          `json:"id"`
	Method   Method          `json:"method"`
	Data     json.RawMessage `json:"data,omitempty"`
	Time     int64           `json:"time"`
	Priority int             `json:"priority,omitempty"`
}

// MarshalJSON encodes Records as the data array for bulk messages.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Entity:   m.Entity,
		ID:       m.ID,
		Method:   m.Method,
		Time:     m.Time,
		Priority: m.Priority,
	}
	var (
		data []byte
		err  error
	)
	switch {
	case m.IsBulk():
		recs := m.Records
		if recs == nil {
			recs = []Attrs{}
		}
		data, err = json.Marshal(recs)
	case m.Data != nil:
		data, err = json.Marshal(m.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	w.Data = data
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape, including the bulk array form.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	*m = Message{
		Entity:   w.Entity,
		ID:       w.ID,
		Method:   w.Method,
		Time:     w.Time,
		Priority: w.Priority,
	}
	data := strings.TrimSpace(string(w.Data))
	if data == "" || data == "null" {
		return nil
	}
	if data[0] == '[' {
		if err := json.Unmarshal(w.Data, &m.Records); err != nil {
			return fmt.Errorf("%w: records: %v", ErrMalformed, err)
		}
		if m.ID == "" {
			m.ID = AllID
		}
		return nil
	}
	if err := json.Unmarshal(w.Data, &m.Data); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	return nil
}

// Decode parses a single wire message and applies Normalize.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Normalize(m), nil
}
