package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow implements a sliding window counter for rate limiting.
//
// The window tracks event counts over a rolling time period. Old entries
// outside the window are pruned lazily on access.
//
// # Algorithm
//
//  1. Add value to the bucket for the current time
//  2. Prune buckets older than the window duration
//  3. Sum all remaining buckets to get current usage
//
// # Memory Efficiency
//
// Uses a fixed bucket array sized window/granularity. For example, a
// 1-minute window with 1-second buckets uses 60 buckets.
type SlidingWindow struct {
	window     time.Duration // window duration (e.g. 1 minute)
	bucketSize time.Duration // granularity of each bucket (e.g. 1 second)
	buckets    []bucket
	head       int // current write position
	mu         sync.Mutex
}

// bucket is a single time-stamped counter bucket.
type bucket struct {
	timestamp time.Time
	value     int64
}

// NewSlidingWindow creates a sliding window counter.
// Smaller bucket sizes provide more accuracy but use more memory.
func NewSlidingWindow(window, bucketSize time.Duration) *SlidingWindow {
	numBuckets := int(window / bucketSize)
	if numBuckets == 0 {
		numBuckets = 1
	}

	return &SlidingWindow{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]bucket, numBuckets),
	}
}

// Incr adds value to the current bucket and returns the new window sum.
// The add and the read happen under one lock acquisition, so two
// concurrent callers always observe distinct counts.
func (sw *SlidingWindow) Incr(value int64) int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.pruneLocked(now)
	sw.findOrCreateBucketLocked(now).value += value
	return sw.sumLocked()
}

// Sum returns the total count across all buckets in the window,
// pruning expired buckets first.
func (sw *SlidingWindow) Sum() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneLocked(time.Now())
	return sw.sumLocked()
}

// Reset clears all buckets.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for i := range sw.buckets {
		sw.buckets[i] = bucket{}
	}
	sw.head = 0
}

func (sw *SlidingWindow) sumLocked() int64 {
	var sum int64
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() {
			sum += sw.buckets[i].value
		}
	}
	return sum
}

// pruneLocked removes buckets older than the window.
// Caller must hold the lock.
func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() && sw.buckets[i].timestamp.Before(cutoff) {
			sw.buckets[i] = bucket{}
		}
	}
}

// findOrCreateBucketLocked finds the bucket for the current time or
// claims a slot for a new one. Caller must hold the lock.
func (sw *SlidingWindow) findOrCreateBucketLocked(now time.Time) *bucket {
	bucketTime := now.Truncate(sw.bucketSize)

	if sw.buckets[sw.head].timestamp.Equal(bucketTime) {
		return &sw.buckets[sw.head]
	}

	for i := range sw.buckets {
		if sw.buckets[i].timestamp.Equal(bucketTime) {
			return &sw.buckets[i]
		}
	}

	// Claim an empty slot, or evict the oldest bucket.
	targetIdx := -1
	for i := range sw.buckets {
		if sw.buckets[i].timestamp.IsZero() {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		oldestIdx := 0
		oldestTime := sw.buckets[0].timestamp
		for i := 1; i < len(sw.buckets); i++ {
			if sw.buckets[i].timestamp.Before(oldestTime) {
				oldestIdx = i
				oldestTime = sw.buckets[i].timestamp
			}
		}
		targetIdx = oldestIdx
	}

	sw.buckets[targetIdx] = bucket{timestamp: bucketTime}
	sw.head = targetIdx
	return &sw.buckets[targetIdx]
}
