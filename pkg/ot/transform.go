package ot

import "reflect"

// Transform rewrites incoming so it can be applied after existing has
// already been applied. The boolean is false when incoming is a field
// operation superseded by a later write in existing, where later follows
// the timestamp, user id and id order of precedes. The caller must then
// drop it instead of applying it.
func Transform(incoming, existing Operation) (Operation, bool) {
	if incoming.ObjectID != existing.ObjectID {
		return incoming, true
	}

	in, ex := incoming.Data, existing.Data
	switch {
	case in.IsText() && ex.IsText():
		return transformText(incoming, existing), true
	case !in.IsText() && !ex.IsText():
		if in.Field != ex.Field || reflect.DeepEqual(in.Value, ex.Value) {
			return incoming, true
		}
		// last writer wins; ties fall back to the same order as inserts
		if precedes(incoming, existing) {
			return incoming, false
		}
		return incoming, true
	default:
		return incoming, true
	}
}

func transformText(incoming, existing Operation) Operation {
	in, ex := incoming.Data, existing.Data
	inPos, exPos := in.Pos(), ex.Pos()

	switch {
	case exPos < inPos:
		pos := inPos + ex.NetDelta()
		if pos < 0 {
			pos = 0
		}
		incoming.Data = in.withPosition(pos)
	case exPos == inPos && in.isPureDelete() && ex.isPureInsert():
		incoming.Data = in.withPosition(inPos + ex.InsertLen())
	case exPos == inPos && in.InsertText != "" && ex.InsertText != "" && precedes(existing, incoming):
		// Two inserts at one spot: the earlier op keeps the spot on every
		// replica, the later one lands after it.
		incoming.Data = in.withPosition(inPos + ex.InsertLen())
	}
	return incoming
}

// precedes orders operations by timestamp, then user id, then id.
func precedes(a, b Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ID < b.ID
}

// TransformAgainst transforms incoming against each operation in applied,
// in order. It stops with false as soon as one of them supersedes incoming.
func TransformAgainst(incoming Operation, applied []Operation) (Operation, bool) {
	for _, existing := range applied {
		var keep bool
		if incoming, keep = Transform(incoming, existing); !keep {
			return incoming, false
		}
	}
	return incoming, true
}
