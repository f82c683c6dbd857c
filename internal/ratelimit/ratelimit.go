// Package ratelimit provides a simple fixed-window rate limiter keyed
// by client address.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts events per key within a fixed window. When the clock
// crosses into a new window all counts reset. State lives in memory
// only; a restart clears it.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int64
	epoch  uint32
	counts map[string]int64
}

// New constructs a limiter allowing limit events per key per window.
func New(window time.Duration, limit int64) *Limiter {
	return &Limiter{
		window: window,
		limit:  limit,
		counts: make(map[string]int64),
	}
}

// Add attempts to consume n events for key at time tm. If the total for
// this key in the current window would exceed the limit, nothing is
// counted and false is returned.
func (l *Limiter) Add(key string, tm time.Time, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	epoch := uint32(tm.UnixNano() / int64(l.window))
	if epoch != l.epoch {
		l.epoch = epoch
		l.counts = make(map[string]int64)
	}

	if l.counts[key]+n > l.limit {
		return false
	}
	l.counts[key] += n
	return true
}

// CanAdd reports whether n events could be consumed without counting
// them.
func (l *Limiter) CanAdd(key string, tm time.Time, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	epoch := uint32(tm.UnixNano() / int64(l.window))
	if epoch != l.epoch {
		return n <= l.limit
	}
	return l.counts[key]+n <= l.limit
}

// Reset clears all counts for key in the current window.
func (l *Limiter) Reset(key string, tm time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	epoch := uint32(tm.UnixNano() / int64(l.window))
	if epoch == l.epoch {
		delete(l.counts, key)
	}
}
