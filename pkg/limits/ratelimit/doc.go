// Package ratelimit provides sliding-window event counting for rate_limit
// policy rules.
//
// # Sliding Window
//
// Each window tracks event counts over a rolling time period using a fixed
// set of time buckets. Buckets older than the window are pruned lazily on
// access, which avoids the "reset spike" problem of fixed windows:
//
//	sw := ratelimit.NewSlidingWindow(time.Minute, time.Second)
//	count := sw.Incr(1) // add and read atomically
//
// # Keyed Limiter
//
// The Limiter maintains one sliding window per (tenant, rule) key and
// exposes a combined increment-and-check. The increment and the read
// happen under the window's lock, so concurrent ingestion paths for the
// same key never lose updates:
//
//	res := limiter.Record("tenant-a/rule-1", 100, time.Minute)
//	if res.Exceeded {
//	    // rule matches
//	}
//
// # Thread Safety
//
// All operations are safe for concurrent use. The limiter's key map and
// each window use independent locks to limit contention across keys.
package ratelimit
