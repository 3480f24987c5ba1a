package collab

import (
	"sync"

	"github.com/a-essam23/go-collab/pkg/protocol"
)

// pendingRequests correlates responses with outstanding requests by their
// requestId.
type pendingRequests struct {
	mu      sync.Mutex
	entries map[string]chan protocol.Envelope
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{entries: make(map[string]chan protocol.Envelope)}
}

func (p *pendingRequests) add(requestID string) <-chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 1)
	p.mu.Lock()
	p.entries[requestID] = ch
	p.mu.Unlock()
	return ch
}

// resolve hands env to the request waiting on its requestId. Unknown ids,
// including requests that already timed out, are ignored.
func (p *pendingRequests) resolve(env protocol.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.entries[env.RequestID]
	delete(p.entries, env.RequestID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (p *pendingRequests) remove(requestID string) {
	p.mu.Lock()
	delete(p.entries, requestID)
	p.mu.Unlock()
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
