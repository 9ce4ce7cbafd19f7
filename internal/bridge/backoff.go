package bridge

import (
	"context"
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds the reconnect delay so a persistently broken
	// channel does not spin and does not sleep forever either.
	DefaultBackoffCap = 60 * time.Second
)

// Backoff produces capped exponential delays with jitter for reconnect
// loops. Not safe for concurrent use; each loop owns its own Backoff.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

// NewBackoff creates a Backoff with the given base and cap. Non-positive
// values fall back to the defaults.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &Backoff{base: base, cap: cap}
}

// Next returns the delay before the next attempt: base*2^attempt capped,
// with up to 25% random jitter added.
func (b *Backoff) Next() time.Duration {
	delay := b.base << b.attempt
	if delay > b.cap || delay <= 0 {
		delay = b.cap
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	if delay+jitter > b.cap {
		return b.cap
	}
	return delay + jitter
}

// Attempts returns how many escalations have happened since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the progression after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the next delay or until ctx is cancelled, in which case it
// returns the context error.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
