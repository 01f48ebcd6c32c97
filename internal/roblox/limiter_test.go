package roblox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterRejectsZeroCapacity(t *testing.T) {
	if _, err := NewLimiter(LimiterConfig{}); err == nil {
		t.Fatal("expected zero capacity to be rejected")
	}
}

func TestLimiterCapsConcurrentRequests(t *testing.T) {
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      100,
		Window:        time.Minute,
		MaxConcurrent: 2,
		MinSpacing:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			current := atomic.AddInt64(&inFlight, 1)
			for {
				observed := atomic.LoadInt64(&peak)
				if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&peak) > 2 {
		t.Fatalf("expected at most 2 concurrent requests, observed %d", peak)
	}
}

func TestLimiterHoldsRequestsUntilWindowRefills(t *testing.T) {
	window := 250 * time.Millisecond
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      3,
		Window:        window,
		MaxConcurrent: 3,
		MinSpacing:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := limiter.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed > window/2 {
		t.Fatalf("in-budget acquires took too long: %v", elapsed)
	}

	// The fourth request exceeds the reservoir and must wait out the window.
	release, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("over-budget acquire failed: %v", err)
	}
	release()
	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("over-budget request started after %v, before the window elapsed", elapsed)
	}
}

func TestLimiterHonorsContextWhileQueued(t *testing.T) {
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      1,
		Window:        time.Hour,
		MaxConcurrent: 2,
		MinSpacing:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	release, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := limiter.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation took too long: %v", elapsed)
	}
}

func TestLimiterAdmitsWaitersInArrivalOrder(t *testing.T) {
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      100,
		Window:        time.Minute,
		MaxConcurrent: 1,
		MinSpacing:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	// A holder keeps the single slot busy so both waiters queue up behind
	// it; they must be admitted in the order they arrived.
	holderRelease, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for _, index := range []int{1, 2} {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d acquire failed: %v", index, err)
				return
			}
			mu.Lock()
			order = append(order, index)
			mu.Unlock()
			release()
		}(index)
		// Let the waiter park before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}

	holderRelease()
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected admission order [1 2], got %v", order)
	}
}

func TestLimiterEnforcesMinimumSpacing(t *testing.T) {
	spacing := 40 * time.Millisecond
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      100,
		Window:        time.Minute,
		MaxConcurrent: 2,
		MinSpacing:    spacing,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := limiter.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		release()
	}
	// Three starts with 40ms spacing need at least 80ms even with tokens
	// to spare.
	if elapsed := time.Since(start); elapsed < 2*spacing {
		t.Fatalf("spacing not enforced: 3 acquires in %v", elapsed)
	}
}
