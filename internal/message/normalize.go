package message

// legacyIDKey is where some server builds put the record id instead of "id".
const legacyIDKey = "_id"

// Normalize fixes up a message decoded from the server before it is applied.
//
// Compatibility shim: the server is known to sometimes omit "id" and send the
// record id as "_id", either on the message itself or inside data. Both spots
// are remapped to "id" so the rest of the engine only ever sees one key.
func Normalize(m Message) Message {
	if m.Data != nil {
		if legacy, ok := m.Data[legacyIDKey]; ok {
			if _, has := m.Data["id"]; !has {
				m.Data = m.Data.Clone()
				m.Data["id"] = legacy
				delete(m.Data, legacyIDKey)
			}
		}
		if m.ID == "" {
			m.ID = m.Data.ID()
		}
		if id := m.Data.ID(); id == "" && m.ID != "" && !m.IsBulk() {
			m.Data = m.Data.Clone()
			m.Data["id"] = m.ID
		}
	}
	for i, r := range m.Records {
		if legacy, ok := r[legacyIDKey]; ok {
			if _, has := r["id"]; !has {
				r = r.Clone()
				r["id"] = legacy
				delete(r, legacyIDKey)
				m.Records[i] = r
			}
		}
	}
	if m.QueueKey == "" && m.Entity != "" && m.ID != "" {
		m.QueueKey = Key(m.Entity, m.ID)
	}
	return m
}
