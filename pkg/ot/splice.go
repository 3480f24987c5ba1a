package ot

import (
	"unicode/utf8"

	"github.com/fmpwizard/go-quilljs-delta/delta"
)

// Splice removes deleteCount code points at position and inserts insertText
// there. Out-of-range positions and counts are clamped to the text.
func Splice(text string, position int, insertText string, deleteCount int) string {
	length := utf8.RuneCountInString(text)
	if position < 0 {
		position = 0
	}
	if position > length {
		position = length
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if position+deleteCount > length {
		deleteCount = length - position
	}

	doc := delta.New(nil).Insert(text, nil)
	change := delta.New(nil).Retain(position, nil).Delete(deleteCount).Insert(insertText, nil)
	return deltaText(*doc.Compose(*change))
}

func deltaText(d delta.Delta) string {
	result := make([]rune, 0)
	for _, op := range d.Ops {
		if op.Insert != nil {
			result = append(result, op.Insert...)
		}
	}
	return string(result)
}
