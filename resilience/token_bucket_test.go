package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/fortify/clock"
)

func TestTokenBucket_RefillAfterDrain(t *testing.T) {
	clk := clock.NewManual(epoch)
	tb := NewTokenBucket(10, 1, WithBucketClock(clk))

	for i := 0; i < 10; i++ {
		if !tb.TryConsume(1) {
			t.Fatalf("expected token %d to be available", i+1)
		}
	}
	if tb.TryConsume(1) {
		t.Error("expected empty bucket to reject")
	}

	clk.Advance(10 * time.Second)
	if !tb.TryConsume(1) {
		t.Error("expected refilled bucket to allow")
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clk := clock.NewManual(epoch)
	tb := NewTokenBucket(5, 100, WithBucketClock(clk))

	clk.Advance(time.Hour)
	if got := tb.Tokens(); got != 5 {
		t.Errorf("expected tokens capped at 5, got %v", got)
	}
	if tb.TryConsume(6) {
		t.Error("expected request above capacity to fail")
	}
	if got := tb.Tokens(); got != 5 {
		t.Errorf("expected failed request to leave tokens untouched, got %v", got)
	}
}

func TestTokenBucket_PartialRefill(t *testing.T) {
	clk := clock.NewManual(epoch)
	tb := NewTokenBucket(10, 2, WithBucketClock(clk))

	tb.TryConsume(10)
	clk.Advance(1500 * time.Millisecond)
	if got := tb.Tokens(); got != 3 {
		t.Errorf("expected 3 tokens after 1.5s at 2/s, got %v", got)
	}
}

func TestTokenBucket_Resize(t *testing.T) {
	clk := clock.NewManual(epoch)
	tb := NewTokenBucket(100, 10, WithBucketClock(clk))

	tb.Resize(20, 1)
	if got := tb.Tokens(); got != 20 {
		t.Errorf("expected tokens clamped to 20, got %v", got)
	}
	if got := tb.Capacity(); got != 20 {
		t.Errorf("expected capacity 20, got %v", got)
	}

	tb.TryConsume(20)
	clk.Advance(5 * time.Second)
	if got := tb.Tokens(); got != 5 {
		t.Errorf("expected 5 tokens at new rate, got %v", got)
	}
}

func TestTokenBucket_Wait(t *testing.T) {
	tb := NewTokenBucket(1, 100)

	if err := tb.Wait(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	if err := tb.Wait(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("expected second Wait to block for a refill")
	}
}

func TestTokenBucket_WaitImpossible(t *testing.T) {
	tb := NewTokenBucket(1, 1)

	if err := tb.Wait(context.Background(), 2); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.1)
	tb.TryConsume(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestTokenBucket_ConcurrentConsume(t *testing.T) {
	clk := clock.NewManual(epoch)
	tb := NewTokenBucket(50, 1, WithBucketClock(clk))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.TryConsume(1) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 50 {
		t.Errorf("expected exactly 50 grants, got %d", granted)
	}
	if got := tb.Tokens(); got != 0 {
		t.Errorf("expected 0 tokens left, got %v", got)
	}
}
