package presence

import (
	"time"

	"github.com/a-essam23/go-collab/pkg/observable"
	"golang.org/x/exp/maps"
)

// Common status values. Any string is accepted on the wire.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Data is one user's presence as broadcast to collaborators.
type Data struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	// Unix milliseconds.
	Timestamp   int64          `json:"timestamp"`
	ContextData map[string]any `json:"contextData,omitempty"`
}

// Format stamps a presence update with the current time.
func Format(userID, status string, contextData map[string]any) Data {
	return Data{
		UserID:      userID,
		Status:      status,
		Timestamp:   time.Now().UnixMilli(),
		ContextData: contextData,
	}
}

// Tracker is the last-write-wins projection of presence keyed by user id.
type Tracker struct {
	value *observable.Value[map[string]Data]
}

func NewTracker() *Tracker {
	return &Tracker{value: observable.NewValue(map[string]Data{})}
}

// Apply overwrites the entry for d.UserID and leaves other users alone.
// Updates with no user id are ignored.
func (t *Tracker) Apply(d Data) {
	if d.UserID == "" {
		return
	}
	t.value.Update(func(current map[string]Data) map[string]Data {
		next := maps.Clone(current)
		next[d.UserID] = d
		return next
	})
}

func (t *Tracker) Get(userID string) (Data, bool) {
	d, ok := t.value.Get()[userID]
	return d, ok
}

// Snapshot returns the current projection. Callers must not modify it.
func (t *Tracker) Snapshot() map[string]Data {
	return t.value.Get()
}

// Subscribe calls fn with the projection now and after every change.
func (t *Tracker) Subscribe(fn func(map[string]Data)) func() {
	return t.value.Subscribe(fn)
}

// Reset drops every entry, e.g. when the session ends.
func (t *Tracker) Reset() {
	t.value.Set(map[string]Data{})
}
