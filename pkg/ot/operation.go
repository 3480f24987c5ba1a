package ot

import (
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Object types with a built-in apply strategy.
const (
	ObjectTask    = "task"
	ObjectComment = "comment"
)

// Data is the payload of an operation. It is a text operation when Position
// is set (character-level splice of the named field) and a field operation
// otherwise (whole-field replace with Value).
type Data struct {
	Field       string `json:"field,omitempty"`
	Value       any    `json:"value,omitempty"`
	Position    *int   `json:"position,omitempty"`
	InsertText  string `json:"insertText,omitempty"`
	DeleteCount int    `json:"deleteCount,omitempty"`
}

// TextEdit builds a text operation payload for field.
func TextEdit(field string, position int, insertText string, deleteCount int) Data {
	return Data{
		Field:       field,
		Position:    &position,
		InsertText:  insertText,
		DeleteCount: deleteCount,
	}
}

// FieldSet builds a field operation payload.
func FieldSet(field string, value any) Data {
	return Data{Field: field, Value: value}
}

func (d Data) IsText() bool {
	return d.Position != nil
}

// Pos returns the text position, or 0 for field operations.
func (d Data) Pos() int {
	if d.Position == nil {
		return 0
	}
	return *d.Position
}

// InsertLen is the length of InsertText in code points.
func (d Data) InsertLen() int {
	return utf8.RuneCountInString(d.InsertText)
}

// NetDelta is the change in document length the text operation introduces.
func (d Data) NetDelta() int {
	return d.InsertLen() - d.DeleteCount
}

func (d Data) isPureInsert() bool {
	return d.InsertText != "" && d.DeleteCount == 0
}

func (d Data) isPureDelete() bool {
	return d.InsertText == "" && d.DeleteCount > 0
}

// withPosition returns a copy of d pointing at a fresh position value.
func (d Data) withPosition(pos int) Data {
	d.Position = &pos
	return d
}

// Operation is an immutable edit against a shared object.
type Operation struct {
	ID         string `json:"id"`
	ObjectID   string `json:"objectId"`
	ObjectType string `json:"objectType"`
	UserID     string `json:"userId"`
	// Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	Data      Data  `json:"data"`
}

func (op Operation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// NewOperationID returns a globally unique id made of a millisecond
// timestamp and random entropy.
func NewOperationID() string {
	return ulid.Make().String()
}
