package infra

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff produces exponentially growing delays with additive jitter.
// Attempt n (1-indexed) waits minDelay*multiplier^(n-1) plus a random amount in [0, jitter),
// with the exponential part capped at maxDelay when maxDelay > 0
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     time.Duration
	current    time.Duration
	attempts   int
	randFn     func(time.Duration) time.Duration
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64, jitter time.Duration) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		jitter:     jitter,
		current:    min,
		randFn:     randDuration,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	wait := b.current
	if b.jitter > 0 {
		wait += b.randFn(b.jitter)
	}

	next := time.Duration(float64(b.current) * b.multiplier)
	if b.maxDelay > 0 {
		next = min(next, b.maxDelay)
	}
	b.current = next

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Sleep blocks for d or until ctx is done, whichever happens first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randDuration(limit time.Duration) time.Duration {
	return rand.N(limit)
}
