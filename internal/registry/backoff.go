// ABOUTME: Exponential backoff helper for caller-driven reconnect loops.
// ABOUTME: The registry itself never sleeps; callers own the retry cadence.

package registry

import (
	"sync"
	"time"
)

// Backoff computes capped exponential delays for repeated reconnect
// attempts. The core runs no hidden timers, so consumers that want automatic
// resubscribe layer this between failures:
//
//	b := registry.NewBackoff(time.Second, 30*time.Second)
//	for {
//		if err := reg.Connect(ctx, ...); err == nil {
//			b.Reset()
//			...
//		}
//		time.Sleep(b.Next())
//	}
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a backoff starting at initial and doubling up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max}
}

// Next returns the delay to wait before the next attempt, doubling it for
// the one after.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next == 0 {
		b.next = b.initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns the backoff to its initial delay after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
}
