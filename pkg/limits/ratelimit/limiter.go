package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of recording one event against a keyed window.
type Result struct {
	// Count is the number of events in the window including this one.
	Count int64

	// Limit is the configured maximum for the window.
	Limit int64

	// Exceeded reports whether Count is above Limit.
	Exceeded bool
}

// Limiter maintains one sliding window per key. Keys are typically
// "tenantID/ruleID" so different rules for the same tenant do not share
// counters.
//
// Windows for a key are created on first use with the key's configured
// window duration. If a rule's window changes, the key's window is
// rebuilt, resetting its count; rule edits are rare enough that this is
// acceptable.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*keyedWindow
}

type keyedWindow struct {
	window   *SlidingWindow
	duration time.Duration
}

// NewLimiter creates an empty keyed limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*keyedWindow),
	}
}

// Record counts one event against the key and reports whether the window
// limit is now exceeded. The increment-and-check is atomic per key.
func (l *Limiter) Record(key string, max int64, window time.Duration) Result {
	count := l.windowFor(key, window).Incr(1)
	return Result{
		Count:    count,
		Limit:    max,
		Exceeded: count > max,
	}
}

// Count returns the current window count for the key without recording.
func (l *Limiter) Count(key string, window time.Duration) int64 {
	return l.windowFor(key, window).Sum()
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) windowFor(key string, window time.Duration) *SlidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	kw, ok := l.windows[key]
	if !ok || kw.duration != window {
		kw = &keyedWindow{
			window:   NewSlidingWindow(window, bucketSizeFor(window)),
			duration: window,
		}
		l.windows[key] = kw
	}
	return kw.window
}

// bucketSizeFor picks a bucket granularity giving roughly 60 buckets per
// window, with a 1-second floor.
func bucketSizeFor(window time.Duration) time.Duration {
	size := window / 60
	if size < time.Second {
		size = time.Second
	}
	return size
}
