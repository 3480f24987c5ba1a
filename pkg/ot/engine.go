package ot

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// DefaultConflictWindow is how close in time two operations must be to
// count as concurrent.
const DefaultConflictWindow = 500 * time.Millisecond

// State is the field map of a shared object (a task, a comment).
type State map[string]any

// ApplyFunc applies op to state and returns the new state. Implementations
// must not mutate state.
type ApplyFunc func(state State, op Operation) State

// Engine creates and applies operations with per-object-type strategies.
type Engine struct {
	now            func() time.Time
	conflictWindow time.Duration

	appliers map[string]ApplyFunc
	mu       sync.RWMutex
}

type Option func(*Engine)

// WithClock overrides the time source used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConflictWindow sets the window used by Engine.DetectConflict.
func WithConflictWindow(window time.Duration) Option {
	return func(e *Engine) {
		if window > 0 {
			e.conflictWindow = window
		}
	}
}

// NewEngine returns an engine with the task and comment strategies registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:            time.Now,
		conflictWindow: DefaultConflictWindow,
		appliers:       make(map[string]ApplyFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Register(ObjectTask, textFieldApplier("description"))
	e.Register(ObjectComment, textFieldApplier("content"))
	return e
}

// Register installs the apply strategy for objectType, replacing any
// previous one.
func (e *Engine) Register(objectType string, fn ApplyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appliers[objectType] = fn
}

func (e *Engine) ConflictWindow() time.Duration {
	return e.conflictWindow
}

// CreateOperation stamps a fresh id and timestamp on an edit.
func (e *Engine) CreateOperation(objectID, objectType string, data Data, userID string) Operation {
	return Operation{
		ID:         NewOperationID(),
		ObjectID:   objectID,
		ObjectType: objectType,
		UserID:     userID,
		Timestamp:  e.now().UnixMilli(),
		Data:       data,
	}
}

// Apply returns the state after op. Unknown object types are a no-op and
// return state as is.
func (e *Engine) Apply(state State, op Operation) State {
	e.mu.RLock()
	fn, ok := e.appliers[op.ObjectType]
	e.mu.RUnlock()
	if !ok {
		return state
	}
	return fn(state, op)
}

// DetectConflict reports whether a and b conflict within the engine's window.
func (e *Engine) DetectConflict(a, b Operation) bool {
	return DetectConflict(a, b, e.conflictWindow)
}

// textFieldApplier splices text operations into textField and assigns
// every other payload directly.
func textFieldApplier(textField string) ApplyFunc {
	return func(state State, op Operation) State {
		next := maps.Clone(state)
		if next == nil {
			next = make(State)
		}
		data := op.Data
		if data.Field == "" {
			return next
		}
		if data.Field == textField && data.IsText() {
			current, _ := next[textField].(string)
			next[textField] = Splice(current, data.Pos(), data.InsertText, data.DeleteCount)
			return next
		}
		next[data.Field] = data.Value
		return next
	}
}
