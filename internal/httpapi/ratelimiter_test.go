package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterAllowsUpToLimit(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSlidingWindowLimiter(time.Minute, 3, func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("event %d: expected allow within limit", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected 4th event within the same window to be rejected")
	}
}

func TestSlidingWindowLimiterExpiresOldEvents(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSlidingWindowLimiter(time.Minute, 1, func() time.Time { return clock })

	if !l.Allow() {
		t.Fatal("expected first event to be allowed")
	}
	if l.Allow() {
		t.Fatal("expected second event inside the window to be rejected")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !l.Allow() {
		t.Fatal("expected event after the window elapsed to be allowed")
	}
}

func TestSlidingWindowLimiterDisabledWhenNonPositive(t *testing.T) {
	l := newSlidingWindowLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("event %d: disabled limiter must always allow", i)
		}
	}
}

func TestSlidingWindowLimiterNilReceiverAllows(t *testing.T) {
	var l *slidingWindowLimiter
	if !l.Allow() {
		t.Fatal("nil limiter must allow by default")
	}
}
