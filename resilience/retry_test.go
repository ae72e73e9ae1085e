package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	fortifyerrors "github.com/kbukum/fortify/errors"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		Name:               "test",
		MaxAttempts:        maxAttempts,
		InitialDelay:       time.Millisecond,
		MaxDelay:           10 * time.Millisecond,
		Multiplier:         2.0,
		ExponentialBackoff: true,
		RetryOnTimeout:     true,
	}
}

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	p := NewRetryPolicy(DefaultRetryConfig("test"))
	callCount := 0

	result, err := Retry(context.Background(), p, func(context.Context) (string, error) {
		callCount++
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %s", result)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetry_SucceedsAfterRetry(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(3))
	callCount := 0

	result, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		callCount++
		if callCount < 3 {
			return 0, errors.New("temporary")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != 42 || callCount != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", result, callCount)
	}
}

func TestRetry_BackoffSchedule(t *testing.T) {
	var delays []time.Duration
	cfg := RetryConfig{
		Name:               "test",
		MaxAttempts:        3,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		Multiplier:         2.0,
		ExponentialBackoff: true,
		OnRetry: func(_ int, _ error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}
	p := NewRetryPolicy(cfg)

	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		return fortifyerrors.IO("read", errors.New("reset"))
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Errorf("expected sleeps [100ms 200ms], got %v", delays)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("expected at least 300ms of sleeping, got %v", elapsed)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", fortifyerrors.Validation("bad input")},
		{"internal", fortifyerrors.Internal(errors.New("bug"))},
		{"circuit open", fortifyerrors.CircuitOpen("op", "open")},
		{"bulkhead full", fortifyerrors.BulkheadFull("op")},
		{"rate limited", fortifyerrors.RateLimited("global")},
		{"no shards", fortifyerrors.ResourceExhausted("pool")},
		{"canceled", context.Canceled},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			retries := 0
			cfg := fastRetryConfig(3)
			cfg.OnRetry = func(int, error, time.Duration) { retries++ }
			p := NewRetryPolicy(cfg)

			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				return tc.err
			})

			if !errors.Is(err, tc.err) {
				t.Errorf("expected original error, got %v", err)
			}
			if calls != 1 || retries != 0 {
				t.Errorf("expected 1 call and 0 sleeps, got %d calls and %d sleeps", calls, retries)
			}
		})
	}
}

func TestRetry_TimeoutClassification(t *testing.T) {
	for _, retryOnTimeout := range []bool{true, false} {
		cfg := fastRetryConfig(3)
		cfg.RetryOnTimeout = retryOnTimeout
		p := NewRetryPolicy(cfg)

		calls := 0
		_ = p.Do(context.Background(), func(context.Context) error {
			calls++
			return fortifyerrors.Timeout("op")
		})

		want := 1
		if retryOnTimeout {
			want = 3
		}
		if calls != want {
			t.Errorf("RetryOnTimeout=%v: expected %d calls, got %d", retryOnTimeout, want, calls)
		}
	}
}

func TestRetry_ReturnsLastErrorUnchanged(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(3))

	calls := 0
	var last error
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		last = fortifyerrors.ExternalServiceError("llm", errors.New("502"))
		return last
	})

	if err != last {
		t.Errorf("expected last error returned as-is, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_RespectsContext(t *testing.T) {
	cfg := fastRetryConfig(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second
	p := NewRetryPolicy(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("fail")
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before deadline, got %d", calls)
	}

	history := p.History()
	if len(history) == 0 || history[len(history)-1].Outcome != OutcomeAborted {
		t.Errorf("expected aborted entry last, got %+v", history)
	}
}

func TestRetry_RetryIfOverride(t *testing.T) {
	retryableErr := errors.New("retryable")
	cfg := fastRetryConfig(3)
	cfg.RetryIf = func(err error) bool { return errors.Is(err, retryableErr) }
	p := NewRetryPolicy(cfg)

	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("other")
	})
	if calls != 1 {
		t.Errorf("expected 1 call for non-matching error, got %d", calls)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           time.Second,
		Multiplier:         3.0,
		ExponentialBackoff: true,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range tests {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	constant := NewRetryPolicy(RetryConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})
	if got := constant.Delay(4); got != 250*time.Millisecond {
		t.Errorf("expected constant delay 250ms, got %v", got)
	}
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		InitialDelay:       time.Second,
		MaxDelay:           10 * time.Second,
		Multiplier:         2.0,
		Jitter:             true,
		ExponentialBackoff: true,
	})

	for i := 0; i < 1000; i++ {
		d := p.Delay(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±10%%", d)
		}
	}
}

func TestRetryPolicy_HistoryIsBounded(t *testing.T) {
	cfg := fastRetryConfig(1)
	cfg.HistorySize = 3
	p := NewRetryPolicy(cfg)

	for i := 0; i < 5; i++ {
		_ = p.Do(context.Background(), func(context.Context) error { return nil })
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })

	history := p.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[2].Outcome != OutcomeFailure || history[2].Err != "x" {
		t.Errorf("expected newest entry to be the failure, got %+v", history[2])
	}

	stats := p.Stats()
	if stats.Recorded != 3 || stats.Successes != 2 || stats.Failures != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRetryPolicy_ConcurrentHistory(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()

	if got := p.Stats().Successes; got != 50 {
		t.Errorf("expected 50 successes, got %d", got)
	}
}
