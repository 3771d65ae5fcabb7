// Package retry is the single retry helper for the controller. Transient
// network operations (SOAP actions, description fetches) use Do with a fixed
// pause; assignment replays use Backoff, an exponential policy with a cap.
package retry

import (
	"context"
	"sync"
	"time"
)

// Do runs op up to attempts times, pausing between failures. The last error
// is returned after exhaustion. attempts < 1 is treated as 1.
func Do(ctx context.Context, attempts int, pause time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return err
}

// Backoff is an exponential delay policy: delay doubles on every recorded
// failure up to a cap, and resets on success. Safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	initial  time.Duration
	max      time.Duration
	maxTries int
	delay    time.Duration
	attempts int
}

func NewBackoff(initial, max time.Duration, maxTries int) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, maxTries: maxTries, delay: initial}
}

// Next returns the delay to wait before the next attempt and whether another
// attempt is allowed. Each call counts as one recorded failure.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxTries > 0 && b.attempts >= b.maxTries {
		return 0, false
	}
	d := b.delay
	b.attempts++
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	return d, true
}

// Attempts returns the number of failures recorded since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the initial delay and zeroes the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.delay = b.initial
	b.attempts = 0
	b.mu.Unlock()
}
