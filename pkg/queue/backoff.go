package queue

import (
	"sync"
	"time"
)

// Backoff is the adaptive spacing between dispatch attempts. Successes halve
// it down to Min and non-quota failures double it up to Max.
type Backoff struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff starts at initial, clamped to [min, max].
func NewBackoff(initial, min, max time.Duration) *Backoff {
	b := &Backoff{min: min, max: max}
	b.current = b.clamp(initial)
	queueDelaySeconds.Set(b.current.Seconds())
	return b
}

// Current returns the delay before the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Success shrinks the delay toward the floor and returns the new value.
func (b *Backoff) Success() time.Duration {
	return b.set(func(d time.Duration) time.Duration { return d / 2 })
}

// Failure doubles the delay up to the ceiling and returns the new value.
func (b *Backoff) Failure() time.Duration {
	return b.set(func(d time.Duration) time.Duration { return d * 2 })
}

func (b *Backoff) set(fn func(time.Duration) time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.clamp(fn(b.current))
	queueDelaySeconds.Set(b.current.Seconds())
	return b.current
}

func (b *Backoff) clamp(d time.Duration) time.Duration {
	if d < b.min {
		return b.min
	}
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}
