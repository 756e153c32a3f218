package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Sliding Window Tests
// ============================================================================

func TestSlidingWindow_IncrAndSum(t *testing.T) {
	sw := NewSlidingWindow(time.Minute, time.Second)

	if got := sw.Incr(1); got != 1 {
		t.Errorf("first Incr = %d, want 1", got)
	}
	if got := sw.Incr(1); got != 2 {
		t.Errorf("second Incr = %d, want 2", got)
	}
	if got := sw.Sum(); got != 2 {
		t.Errorf("Sum = %d, want 2", got)
	}
}

func TestSlidingWindow_Expiry(t *testing.T) {
	sw := NewSlidingWindow(200*time.Millisecond, 50*time.Millisecond)

	sw.Incr(1)
	sw.Incr(1)

	// Wait past the window so both entries age out
	time.Sleep(300 * time.Millisecond)

	if got := sw.Sum(); got != 0 {
		t.Errorf("Sum after expiry = %d, want 0", got)
	}
}

func TestSlidingWindow_Reset(t *testing.T) {
	sw := NewSlidingWindow(time.Minute, time.Second)
	sw.Incr(5)
	sw.Reset()

	if got := sw.Sum(); got != 0 {
		t.Errorf("Sum after Reset = %d, want 0", got)
	}
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	sw := NewSlidingWindow(time.Minute, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sw.Incr(1)
			}
		}()
	}
	wg.Wait()

	if got := sw.Sum(); got != 1000 {
		t.Errorf("Sum = %d, want 1000", got)
	}
}

// ============================================================================
// Keyed Limiter Tests
// ============================================================================

func TestLimiter_ExceedsOnFourthEvent(t *testing.T) {
	l := NewLimiter()

	// Limit of 3: the first three events pass, the fourth exceeds.
	for i := 1; i <= 3; i++ {
		r := l.Record("tenant-a/r1", 3, time.Minute)
		if r.Exceeded {
			t.Fatalf("event %d exceeded a limit of 3", i)
		}
		if r.Count != int64(i) {
			t.Errorf("event %d count = %d", i, r.Count)
		}
	}

	r := l.Record("tenant-a/r1", 3, time.Minute)
	if !r.Exceeded {
		t.Error("Expected fourth event to exceed the limit")
	}
	if r.Count != 4 {
		t.Errorf("fourth event count = %d, want 4", r.Count)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter()

	l.Record("tenant-a/r1", 1, time.Minute)
	l.Record("tenant-a/r1", 1, time.Minute)

	// A different rule for the same tenant has its own counter
	r := l.Record("tenant-a/r2", 1, time.Minute)
	if r.Exceeded {
		t.Error("Expected independent counter for a different key")
	}
}

func TestLimiter_WindowChangeRebuilds(t *testing.T) {
	l := NewLimiter()

	l.Record("tenant-a/r1", 10, time.Minute)
	l.Record("tenant-a/r1", 10, time.Minute)

	// Changing the window duration resets the key's counter
	r := l.Record("tenant-a/r1", 10, 30*time.Second)
	if r.Count != 1 {
		t.Errorf("count after window change = %d, want 1", r.Count)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter()

	l.Record("tenant-a/r1", 1, time.Minute)
	l.Record("tenant-a/r1", 1, time.Minute)
	l.Reset("tenant-a/r1")

	r := l.Record("tenant-a/r1", 1, time.Minute)
	if r.Exceeded {
		t.Error("Expected counter to restart after Reset")
	}
}

func TestLimiter_ConcurrentRecord(t *testing.T) {
	l := NewLimiter()

	const goroutines = 10
	const perGoroutine = 50

	var wg sync.WaitGroup
	exceeded := make([]int, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if l.Record("shared", 100, time.Minute).Exceeded {
					exceeded[idx]++
				}
			}
		}(i)
	}
	wg.Wait()

	// Exactly total-limit records observe an exceeded window, since
	// increment-and-check is atomic per key.
	total := 0
	for _, n := range exceeded {
		total += n
	}
	if want := goroutines*perGoroutine - 100; total != want {
		t.Errorf("exceeded count = %d, want %d", total, want)
	}

	if got := l.Count("shared", time.Minute); got != goroutines*perGoroutine {
		t.Errorf("final count = %d, want %d", got, goroutines*perGoroutine)
	}
}

func BenchmarkLimiter_Record(b *testing.B) {
	l := NewLimiter()
	keys := make([]string, 16)
	for i := range keys {
		keys[i] = fmt.Sprintf("tenant-%d/rule", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Record(keys[i%len(keys)], 1000, time.Minute)
	}
}
