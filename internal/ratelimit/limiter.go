package ratelimit

import (
	"sync"
	"time"
)

// counter is the fixed-window state for one origin
type counter struct {
	count       int
	windowStart time.Time
}

// Limiter counts requests per origin in fixed windows
type Limiter struct {
	counters map[string]*counter
	mu       sync.Mutex
	now      func() time.Time
}

// NewLimiter creates an empty limiter
func NewLimiter() *Limiter {
	return &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records one request for origin and reports whether it fits in the
// current window. A window older than window is restarted with this request.
func (l *Limiter) Allow(origin string, window time.Duration, max int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, exists := l.counters[origin]
	if !exists || now.Sub(c.windowStart) > window {
		l.counters[origin] = &counter{count: 1, windowStart: now}
		return true
	}

	if c.count >= max {
		return false
	}

	c.count++
	return true
}
