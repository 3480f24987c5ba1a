package ot

import "time"

// DetectConflict reports whether a and b touch overlapping state within
// window of each other. It is symmetric in a and b.
func DetectConflict(a, b Operation, window time.Duration) bool {
	if a.ObjectID != b.ObjectID {
		return false
	}
	if a.Data.Field != "" && b.Data.Field != "" && a.Data.Field != b.Data.Field {
		return false
	}
	if a.Data.IsText() && b.Data.IsText() && !rangesOverlap(a.Data, b.Data) {
		return false
	}

	gap := a.Timestamp - b.Timestamp
	if gap < 0 {
		gap = -gap
	}
	return gap < window.Milliseconds()
}

// rangesOverlap treats a text operation as the half-open range it deletes;
// a pure insert is the point at its position.
func rangesOverlap(a, b Data) bool {
	aStart, aEnd := a.Pos(), a.Pos()+a.DeleteCount
	bStart, bEnd := b.Pos(), b.Pos()+b.DeleteCount

	switch {
	case aStart == aEnd && bStart == bEnd:
		return aStart == bStart
	case aStart == aEnd:
		return bStart <= aStart && aStart < bEnd
	case bStart == bEnd:
		return aStart <= bStart && bStart < aEnd
	default:
		return aStart < bEnd && bStart < aEnd
	}
}
