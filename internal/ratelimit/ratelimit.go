// Package ratelimit provides sliding-window admission control keyed by an
// arbitrary identity string.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks per-identity event history over a sliding window.
// Disallowed events are still recorded, so repeated knocking is not free.
// State is in-memory only and resets on process restart.
type Limiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	limit   int
	window  time.Duration
}

// NewLimiter constructs a Limiter with safe defaults when inputs are invalid.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		history: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Allow records an event for identity at time "now" and reports whether it is
// within the limit. Timestamps older than the window are evicted on every
// call to bound memory.
func (l *Limiter) Allow(identity string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	dst := l.history[identity][:0]
	for _, t := range l.history[identity] {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	dst = append(dst, now)
	l.history[identity] = dst

	return len(dst) <= l.limit
}

// Forget drops an identity's history, typically on disconnect.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, identity)
}
