package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbukum/fortify/clock"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
	"github.com/kbukum/fortify/resilience"
)

// Reason explains a limiter decision.
type Reason string

const (
	ReasonAllowed     Reason = "allowed"
	ReasonBlocked     Reason = "blocked"
	ReasonGlobalLimit Reason = "global_limit"
	ReasonClientLimit Reason = "client_limit"
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Violations int
	// RetryAfter is the remaining block time, 0 when the client is not blocked.
	RetryAfter time.Duration
}

// Reputation tracks the violations of one client key.
type Reputation struct {
	Key           string
	Violations    int
	LastViolation time.Time
	BlockedUntil  time.Time
}

// Blocked reports whether the client is blocked at now.
func (r Reputation) Blocked(now time.Time) bool {
	return now.Before(r.BlockedUntil)
}

// Stats is a point-in-time snapshot of the limiter.
type Stats struct {
	Clients      int
	Tracked      int
	Blocked      int
	GlobalTokens float64
	Allowed      uint64
	Rejected     uint64
}

// Option configures an AdaptiveLimiter.
type Option func(*AdaptiveLimiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *AdaptiveLimiter) {
		l.clock = clock.OrSystem(c)
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *AdaptiveLimiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMetrics records every decision.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *AdaptiveLimiter) {
		l.metrics = m
	}
}

// AdaptiveLimiter enforces a global budget and per-client budgets scaled by
// reputation. Every decision runs under one lock so the reputation, the
// client bucket and the counters move together.
type AdaptiveLimiter struct {
	config  Config
	clock   clock.Clock
	log     *logger.Logger
	metrics *observability.Metrics

	violationLog *rate.Sometimes

	mu          sync.Mutex
	global      *resilience.TokenBucket
	clients     map[string]*resilience.TokenBucket
	reputations map[string]*Reputation
	allowed     uint64
	rejected    uint64
}

// New creates an adaptive limiter.
func New(cfg Config, opts ...Option) *AdaptiveLimiter {
	cfg.ApplyDefaults()

	l := &AdaptiveLimiter{
		config:       cfg,
		clock:        clock.System(),
		log:          logger.Nop(),
		violationLog: &rate.Sometimes{First: 10, Interval: 30 * time.Second},
		clients:      make(map[string]*resilience.TokenBucket),
		reputations:  make(map[string]*Reputation),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithComponent("ratelimit")
	l.global = resilience.NewTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillRate,
		resilience.WithBucketClock(l.clock))
	return l
}

// Check decides whether key may spend n tokens. A blocked key is rejected
// before any bucket is touched. Otherwise the global bucket is charged
// first, then the client bucket; a rejection by either records a violation.
func (l *AdaptiveLimiter) Check(ctx context.Context, key string, n float64) Decision {
	d := l.check(key, n)
	l.metrics.RecordRateLimit(ctx, string(d.Reason))
	return d
}

// Allow is Check returning an error: CLIENT_BLOCKED for blocked keys and
// RATE_LIMITED for budget rejections, both tagged with the rate_limiter
// mechanism.
func (l *AdaptiveLimiter) Allow(ctx context.Context, key string, n float64) error {
	d := l.Check(ctx, key, n)
	switch d.Reason {
	case ReasonAllowed:
		return nil
	case ReasonBlocked:
		return errors.ClientBlocked(key, d.RetryAfter)
	case ReasonGlobalLimit:
		return errors.RateLimited("global").WithDetail("violations", d.Violations)
	default:
		return errors.RateLimited("client").WithDetail("violations", d.Violations)
	}
}

func (l *AdaptiveLimiter) check(key string, n float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	rep := l.reputations[key]
	if rep != nil && rep.Blocked(now) {
		l.rejected++
		return Decision{
			Reason:     ReasonBlocked,
			Violations: rep.Violations,
			RetryAfter: rep.BlockedUntil.Sub(now),
		}
	}

	if !l.global.TryConsume(n) {
		return l.violation(key, now, ReasonGlobalLimit)
	}

	violations := 0
	if rep != nil {
		violations = rep.Violations
	}
	capacity := l.config.ClientCapacity * capacityFactor(violations)
	refill := capacity / l.config.ClientRefillWindow.Seconds()

	bucket, ok := l.clients[key]
	if !ok {
		bucket = resilience.NewTokenBucket(capacity, refill, resilience.WithBucketClock(l.clock))
		l.clients[key] = bucket
	} else {
		bucket.Resize(capacity, refill)
	}

	if !bucket.TryConsume(n) {
		return l.violation(key, now, ReasonClientLimit)
	}

	l.allowed++
	return Decision{Allowed: true, Reason: ReasonAllowed, Violations: violations}
}

// violation records a rejection against key. Must be called with lock held.
func (l *AdaptiveLimiter) violation(key string, now time.Time, reason Reason) Decision {
	l.rejected++

	rep, ok := l.reputations[key]
	if !ok {
		rep = &Reputation{Key: key}
		l.reputations[key] = rep
	}
	rep.Violations++
	rep.LastViolation = now

	d := Decision{Reason: reason, Violations: rep.Violations}
	if block := blockDuration(rep.Violations); block > 0 {
		rep.BlockedUntil = now.Add(block)
		d.RetryAfter = block
		l.log.Warn("Client blocked after repeated rate limit violations", logger.Fields(
			logger.FieldClientKey, key,
			"violations", rep.Violations,
			"blocked_for", block.String(),
		))
		return d
	}

	l.violationLog.Do(func() {
		l.log.Info("Rate limit violation", logger.Fields(
			logger.FieldClientKey, key,
			"reason", string(reason),
			"violations", rep.Violations,
		))
	})
	return d
}

// Cleanup drops reputations that are not blocked and whose last violation is
// older than the retention window, and client buckets idle for as long. It
// returns the number of entries removed.
func (l *AdaptiveLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.config.RetentionWindow)
	removed := 0

	for key, rep := range l.reputations {
		if !rep.Blocked(now) && rep.LastViolation.Before(cutoff) {
			delete(l.reputations, key)
			removed++
		}
	}
	for key, bucket := range l.clients {
		if _, tracked := l.reputations[key]; tracked {
			continue
		}
		if bucket.IdleSince().Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Reputation returns a copy of the reputation of key.
func (l *AdaptiveLimiter) Reputation(key string) (Reputation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rep, ok := l.reputations[key]
	if !ok {
		return Reputation{}, false
	}
	return *rep, true
}

// Unblock forgets the violations of key. It reports whether key was tracked.
func (l *AdaptiveLimiter) Unblock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reputations[key]; !ok {
		return false
	}
	delete(l.reputations, key)
	if bucket, ok := l.clients[key]; ok {
		capacity := l.config.ClientCapacity
		bucket.Resize(capacity, capacity/l.config.ClientRefillWindow.Seconds())
	}
	l.log.Info("Client unblocked", logger.Fields(logger.FieldClientKey, key))
	return true
}

// Stats returns a snapshot of the limiter.
func (l *AdaptiveLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	blocked := 0
	for _, rep := range l.reputations {
		if rep.Blocked(now) {
			blocked++
		}
	}
	return Stats{
		Clients:      len(l.clients),
		Tracked:      len(l.reputations),
		Blocked:      blocked,
		GlobalTokens: l.global.Tokens(),
		Allowed:      l.allowed,
		Rejected:     l.rejected,
	}
}

// capacityFactor scales the client capacity by reputation.
func capacityFactor(violations int) float64 {
	switch {
	case violations <= 2:
		return 1.0
	case violations <= 5:
		return 0.5
	case violations <= 10:
		return 0.2
	default:
		return 0.05
	}
}

// blockDuration is how long a client is blocked after its n-th violation.
// The first three violations only warn.
func blockDuration(violations int) time.Duration {
	switch {
	case violations <= 3:
		return 0
	case violations <= 6:
		return time.Minute
	case violations <= 10:
		return 5 * time.Minute
	case violations <= 20:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
