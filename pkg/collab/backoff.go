package collab

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// reconnectBackOff yields min(max, 2^n*base + jitter) for the n-th attempt,
// starting at n=1. It implements backoff.BackOff.
type reconnectBackOff struct {
	base   time.Duration
	max    time.Duration
	jitter time.Duration

	attempt int
	randInt func(n int64) int64
}

func newReconnectBackOff(s *Settings) *reconnectBackOff {
	return &reconnectBackOff{
		base:    s.BaseDelay,
		max:     s.MaxDelay,
		jitter:  s.Jitter,
		randInt: rand.Int63n,
	}
}

func (b *reconnectBackOff) NextBackOff() time.Duration {
	b.attempt++

	delay := b.max
	// past 2^30 the product overflows long before it stops exceeding max
	if b.attempt < 31 {
		delay = time.Duration(int64(1)<<b.attempt) * b.base
	}
	if b.jitter > 0 {
		delay += time.Duration(b.randInt(int64(b.jitter)))
	}
	if delay > b.max || delay < 0 {
		delay = b.max
	}
	return delay
}

func (b *reconnectBackOff) Reset() {
	b.attempt = 0
}

// reconnectPolicy caps the delay sequence at maxAttempts; after that
// NextBackOff returns backoff.Stop. Zero attempts means no cap.
func reconnectPolicy(s *Settings) backoff.BackOff {
	return backoff.WithMaxRetries(newReconnectBackOff(s), uint64(s.MaxReconnectAttempts))
}
