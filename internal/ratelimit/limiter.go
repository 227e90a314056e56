// ABOUTME: Thread-safe fixed-window request limiter keyed by caller identity.
// ABOUTME: A background goroutine reclaims windows that have gone quiet.

package ratelimit

import (
	"sync"
	"time"
)

// window counts requests since its start for one identity.
type window struct {
	start time.Time
	count int
}

// Limiter enforces a per-identity request cap over a fixed window. Counting
// resets when a window elapses; there is no smoothing across the boundary,
// which keeps the bookkeeping to one counter per identity.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	done    chan struct{}
	closed  bool
}

// New creates a limiter allowing limit requests per period for each
// identity. A background goroutine periodically drops stale windows.
func New(limit int, period time.Duration) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow records one request for the identity and reports whether it fits
// within the current window.
func (l *Limiter) Allow(identity string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) >= l.period {
		l.windows[identity] = &window{start: now, count: 1}
		return true
	}

	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Remaining reports how many requests the identity has left in its
// current window.
func (l *Limiter) Remaining(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok || time.Since(w.start) >= l.period {
		return l.limit
	}
	if w.count >= l.limit {
		return 0
	}
	return l.limit - w.count
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup drops every window old enough to have reset anyway.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for identity, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, identity)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
