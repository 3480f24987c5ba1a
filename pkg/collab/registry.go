package collab

import (
	"context"
	"sort"
	"sync"

	"github.com/a-essam23/go-collab/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// Subscription is one entry of the subscription registry. An empty
// ResourceID subscribes to the whole channel.
type Subscription struct {
	Channel    string
	ResourceID string
}

// Registry records the channels and resources the client wants, so they
// can be replayed after a reconnect.
type Registry struct {
	mu       sync.Mutex
	channels map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string][]string)}
}

// Add records a subscription. Duplicate resources are ignored.
func (r *Registry) Add(channel, resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resources, ok := r.channels[channel]
	if !ok {
		resources = []string{}
	}
	if resourceID != "" && !containsString(resources, resourceID) {
		resources = append(resources, resourceID)
	}
	r.channels[channel] = resources
}

// Remove drops a resource from a channel, or the whole channel when
// resourceID is empty. A channel left with no resources is dropped.
func (r *Registry) Remove(channel, resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resourceID == "" {
		delete(r.channels, channel)
		return
	}
	resources, ok := r.channels[channel]
	if !ok {
		return
	}
	kept := make([]string, 0, len(resources))
	for _, id := range resources {
		if id != resourceID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(r.channels, channel)
		return
	}
	r.channels[channel] = kept
}

// Subscriptions lists one entry per recorded resource, or one bare entry
// for a channel without resources. Channels are sorted by name.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var subs []Subscription
	for _, name := range names {
		resources := r.channels[name]
		if len(resources) == 0 {
			subs = append(subs, Subscription{Channel: name})
			continue
		}
		for _, id := range resources {
			subs = append(subs, Subscription{Channel: name, ResourceID: id})
		}
	}
	return subs
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Restore sends a subscribe envelope for every recorded subscription. The
// sends run concurrently; the first error is returned once all finish.
func (r *Registry) Restore(ctx context.Context, send func(protocol.Envelope) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range r.Subscriptions() {
		sub := sub
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			env, err := protocol.NewEnvelope(protocol.TypeSubscribe, sub.Channel, sub.ResourceID, nil)
			if err != nil {
				return err
			}
			return send(env)
		})
	}
	return g.Wait()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
