package view

import (
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/record"
)

// Target is anything the reconciler can feed canonical messages to. The set
// of implementations is closed: *Context for collections and *RecordView for
// a single record.
type Target interface {
	Entity() string
	OnMessage(msg message.Message) bool
	target()
}

var (
	_ Target = (*Context)(nil)
	_ Target = (*RecordView)(nil)
)

// RecordView keeps one record.Model current.
type RecordView struct {
	entity string
	id     string
	model  *record.Model
}

// NewRecordView binds model, which must already carry its id.
func NewRecordView(entity string, model *record.Model) *RecordView {
	return &RecordView{entity: entity, id: model.ID(), model: model}
}

func (v *RecordView) Entity() string { return v.entity }

// Model returns the bound model.
func (v *RecordView) Model() *record.Model { return v.model }

func (v *RecordView) target() {}

// OnMessage applies messages addressed to the bound id and ignores the rest.
// A bulk message resets the model from its matching record, or marks it
// deleted when the record is missing.
func (v *RecordView) OnMessage(msg message.Message) bool {
	if msg.Entity != "" && msg.Entity != v.entity {
		return false
	}
	if msg.IsBulk() {
		for _, r := range msg.Records {
			if r.ID() == v.id {
				v.model.Reset(r)
				return true
			}
		}
		v.model.MarkDeleted()
		return true
	}
	if msg.ID != v.id {
		return false
	}
	switch msg.Method {
	case message.Create, message.Update:
		attrs := msg.Data.Clone()
		if attrs == nil {
			attrs = message.Attrs{}
		}
		attrs["id"] = v.id
		v.model.Reset(attrs)
	case message.Patch:
		v.model.Reset(v.model.Attributes().Merge(msg.Data))
	case message.Delete:
		v.model.MarkDeleted()
	default:
		return false
	}
	return true
}
