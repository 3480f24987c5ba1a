package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/go-playground/assert/v2"
)

func TestRegistryAddAndRemove(t *testing.T) {
	r := NewRegistry()
	r.Add("task", "42")
	r.Add("task", "42")
	r.Add("task", "7")
	r.Add("project", "")

	assert.Equal(t, r.Len(), 2)
	assert.Equal(t, r.Subscriptions(), []Subscription{
		{Channel: "project"},
		{Channel: "task", ResourceID: "42"},
		{Channel: "task", ResourceID: "7"},
	})

	r.Remove("task", "42")
	assert.Equal(t, r.Subscriptions(), []Subscription{
		{Channel: "project"},
		{Channel: "task", ResourceID: "7"},
	})

	// removing the last resource drops the channel
	r.Remove("task", "7")
	assert.Equal(t, r.Len(), 1)

	r.Remove("missing", "1")
	r.Remove("project", "")
	assert.Equal(t, r.Len(), 0)
	assert.Equal(t, len(r.Subscriptions()), 0)
}

func TestRegistryRemoveWholeChannel(t *testing.T) {
	r := NewRegistry()
	r.Add("task", "1")
	r.Add("task", "2")
	r.Remove("task", "")
	assert.Equal(t, r.Len(), 0)
}

func TestRegistryRestoreSendsEverySubscription(t *testing.T) {
	r := NewRegistry()
	r.Add("task", "42")
	r.Add("project", "")

	var mu sync.Mutex
	var sent []string
	err := r.Restore(context.Background(), func(env protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, env.Type, protocol.TypeSubscribe)
		sent = append(sent, protocol.RoomKey(env.Channel, env.ResourceID))
		return nil
	})

	assert.Equal(t, err, nil)
	sort.Strings(sent)
	assert.Equal(t, sent, []string{"project", "task:42"})
}

func TestRegistryRestoreReportsSendError(t *testing.T) {
	r := NewRegistry()
	r.Add("task", "42")

	boom := errors.New("boom")
	err := r.Restore(context.Background(), func(protocol.Envelope) error { return boom })
	assert.Equal(t, errors.Is(err, boom), true)
}
