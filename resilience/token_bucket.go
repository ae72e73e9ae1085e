package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/kbukum/fortify/clock"
)

// ErrRateLimited is returned when a token request can never be satisfied.
var ErrRateLimited = errors.New("resilience: rate limit exceeded")

// TokenBucket is a lazily refilled token bucket. Tokens stay within
// [0, capacity] at all times.
type TokenBucket struct {
	clock clock.Clock

	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithBucketClock sets the time source.
func WithBucketClock(c clock.Clock) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.clock = clock.OrSystem(c)
	}
}

// NewTokenBucket creates a full bucket holding capacity tokens and refilling
// at refillPerSecond.
func NewTokenBucket(capacity, refillPerSecond float64, opts ...TokenBucketOption) *TokenBucket {
	tb := &TokenBucket{
		clock:      clock.System(),
		capacity:   math.Max(capacity, 0),
		refillRate: math.Max(refillPerSecond, 0),
	}
	for _, opt := range opts {
		opt(tb)
	}
	tb.tokens = tb.capacity
	tb.lastRefill = tb.clock.Now()
	return tb
}

// TryConsume takes n tokens if available.
func (tb *TokenBucket) TryConsume(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Wait blocks until n tokens are available and takes them, or ctx ends.
// Requests larger than the capacity can never succeed and fail at once.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	for {
		wait, ok := tb.reserve(n)
		if ok {
			return nil
		}
		if wait < 0 {
			return ErrRateLimited
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens returns the current number of available tokens.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Capacity returns the bucket capacity.
func (tb *TokenBucket) Capacity() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.capacity
}

// Resize changes capacity and refill rate, clamping the current tokens.
func (tb *TokenBucket) Resize(capacity, refillPerSecond float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.capacity = math.Max(capacity, 0)
	tb.refillRate = math.Max(refillPerSecond, 0)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// IdleSince returns the last time the bucket was touched.
func (tb *TokenBucket) IdleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// reserve takes n tokens if available, otherwise returns how long until they
// would be. A negative wait means the request can never be satisfied.
func (tb *TokenBucket) reserve(n float64) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return 0, true
	}
	if n > tb.capacity || tb.refillRate == 0 {
		return -1, false
	}
	needed := n - tb.tokens
	return time.Duration(needed / tb.refillRate * float64(time.Second)), false
}

// refill adds tokens based on time elapsed. Must be called with lock held.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.lastRefill = now
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
}
