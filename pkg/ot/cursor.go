package ot

import "golang.org/x/exp/maps"

// Cursor is a collaborator's caret inside an object's text. Cursors are
// ephemeral and never persisted.
type Cursor struct {
	UserID    string `json:"userId"`
	Position  int    `json:"position"`
	ObjectID  string `json:"objectId"`
	Timestamp int64  `json:"timestamp"`
}

// UpdateCursorPositions returns cursors (keyed by user id) moved to account
// for the text operation op. Cursors before the edit stay, cursors inside
// the deleted range collapse to its start, later cursors shift by the net
// delta. The author's cursor and cursors on other objects are untouched.
func UpdateCursorPositions(cursors map[string]Cursor, op Operation) map[string]Cursor {
	next := maps.Clone(cursors)
	if next == nil || !op.Data.IsText() {
		return next
	}

	pos := op.Data.Pos()
	end := pos + op.Data.DeleteCount
	for userID, c := range next {
		if userID == op.UserID || c.ObjectID != op.ObjectID {
			continue
		}
		switch {
		case c.Position < pos:
			continue
		case c.Position < end:
			c.Position = pos
		default:
			c.Position += op.Data.NetDelta()
		}
		next[userID] = c
	}
	return next
}
