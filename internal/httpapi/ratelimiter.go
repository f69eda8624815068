package httpapi

import (
	"sync"
	"time"
)

// slidingWindowLimiter enforces a maximum number of events within a time
// window, adapted from the admin-endpoint rate limiter pattern and reused
// here to bound controller operations and log submissions.
type slidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// newSlidingWindowLimiter constructs a limiter allowing up to limit events
// per window. A non-positive window or limit disables rate limiting.
func newSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *slidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &slidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &slidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
	}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *slidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
