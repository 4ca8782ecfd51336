package message

// Merge folds an incoming local mutation into the entry already queued for the
// same record. It returns the entry that should stay queued and false when
// the two cancel out (a queued create followed by a delete never reached the
// server, so nothing needs to be sent).
//
// The queued entry's Time and Priority are kept so its replay position does
// not move.
func Merge(queued, incoming Message) (Message, bool) {
	out := queued.Clone()
	out.QueueKey = queued.Key()

	switch incoming.Method {
	case Delete:
		if queued.Method == Create {
			return Message{}, false
		}
		out.Method = Delete
		out.Data = incoming.Data.Clone()
	case Patch:
		switch queued.Method {
		case Create, Update, Patch:
			// keep the queued method; a create stays a create
		case Delete:
			out.Method = Update
		}
		out.Data = queued.Data.Merge(incoming.Data)
	case Update, Create:
		if queued.Method != Create {
			out.Method = Update
		}
		out.Data = incoming.Data.Clone()
	default:
		return out, true
	}
	return out, true
}
