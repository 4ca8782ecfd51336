package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Attrs is the attribute bag of a record.
type Attrs map[string]any

// Clone returns a copy of a. Nested maps and slices are copied as well so
// callers can mutate the result freely.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Attrs(val).Clone())
	case Attrs:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of a with every key of b written over it.
func (a Attrs) Merge(b Attrs) Attrs {
	out := a.Clone()
	if out == nil {
		out = make(Attrs, len(b))
	}
	for k, v := range b {
		out[k] = cloneValue(v)
	}
	return out
}

// ID returns the record id stored under "id", or "" when absent.
func (a Attrs) ID() string {
	return idString(a["id"])
}

// Equal reports deep equality after a JSON round trip, so numeric types
// decoded from different sources compare equal.
func (a Attrs) Equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return reflect.DeepEqual(a, b)
	}
	var na, nb any
	_ = json.Unmarshal(ja, &na)
	_ = json.Unmarshal(jb, &nb)
	return reflect.DeepEqual(na, nb)
}

// Pick returns only the listed fields. An empty field list returns a clone.
// The id is always kept.
func (a Attrs) Pick(fields []string) Attrs {
	if len(fields) == 0 {
		return a.Clone()
	}
	out := make(Attrs, len(fields)+1)
	if id, ok := a["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		if v, ok := a[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return out
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
