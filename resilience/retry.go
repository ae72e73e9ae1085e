package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kbukum/fortify/errors"
)

const defaultHistorySize = 100

// jitterFraction bounds the uniform perturbation applied to each delay.
const jitterFraction = 0.1

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// Name identifies this policy for logging/metrics.
	Name string `yaml:"-" mapstructure:"-"`
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay" validate:"gte=0"`
	// MaxDelay caps every delay.
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gte=0"`
	// Multiplier grows the delay per attempt when ExponentialBackoff is set.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	// Jitter perturbs each delay by up to ±10%.
	Jitter bool `yaml:"jitter" mapstructure:"jitter"`
	// RetryOnTimeout makes timeouts retryable.
	RetryOnTimeout bool `yaml:"retry_on_timeout" mapstructure:"retry_on_timeout"`
	// ExponentialBackoff selects exponential over constant delays.
	ExponentialBackoff bool `yaml:"exponential_backoff" mapstructure:"exponential_backoff"`
	// HistorySize bounds the execution history.
	HistorySize int `yaml:"history_size" mapstructure:"history_size" validate:"gte=0"`
	// RetryIf overrides the default error classification.
	RetryIf func(error) bool `yaml:"-" mapstructure:"-"`
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" mapstructure:"-"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:               name,
		MaxAttempts:        3,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		Multiplier:         2.0,
		Jitter:             true,
		RetryOnTimeout:     true,
		ExponentialBackoff: true,
		HistorySize:        defaultHistorySize,
	}
}

// Outcome is the result of one recorded attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeAborted
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Attempt is one entry of a policy's execution history.
type Attempt struct {
	Attempt int
	Outcome Outcome
	Delay   time.Duration
	At      time.Time
	Err     string
}

// RetryStats summarizes a policy's history.
type RetryStats struct {
	Name      string
	Recorded  int
	Successes int
	Failures  int
	Aborted   int
}

// RetryPolicy retries transient failures with backoff. It keeps a bounded
// history of attempts shared by every caller of the policy.
type RetryPolicy struct {
	config RetryConfig

	mu      sync.Mutex
	history []Attempt
	next    int
	size    int
}

// NewRetryPolicy creates a new retry policy.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaultHistorySize
	}

	return &RetryPolicy{
		config:  config,
		history: make([]Attempt, config.HistorySize),
	}
}

// Name returns the policy name.
func (p *RetryPolicy) Name() string {
	return p.config.Name
}

// MaxAttempts returns the configured attempt budget.
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// Retryable reports whether err should be retried. Overload rejections,
// permanent errors and cancellation are never retried; timeouts only when
// RetryOnTimeout is set; unclassified errors are retried.
func (p *RetryPolicy) Retryable(err error) bool {
	if p.config.RetryIf != nil {
		return p.config.RetryIf(err)
	}

	switch errors.KindOf(err) {
	case errors.KindOverload, errors.KindPermanent, errors.KindResourceExhaustion:
		return false
	case errors.KindTransient:
		if errors.IsTimeout(err) {
			return p.config.RetryOnTimeout
		}
		return true
	default:
		return true
	}
}

// Delay returns the wait before the attempt following attempt.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.config.InitialDelay)
	if p.config.ExponentialBackoff {
		d *= math.Pow(p.config.Multiplier, float64(attempt-1))
	}
	if d > float64(p.config.MaxDelay) {
		d = float64(p.config.MaxDelay)
	}
	if p.config.Jitter {
		d += (rand.Float64()*2 - 1) * jitterFraction * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs op with retries.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry runs op under policy p. The context deadline bounds the whole
// sequence, sleeps included. After the last attempt the last error is
// returned unchanged.
func Retry[T any](ctx context.Context, p *RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	res, _, err := runWithRetry(ctx, p, op)
	return res, err
}

// retryRun describes how a retry sequence ended.
type retryRun struct {
	attempts  int
	exhausted bool
}

func runWithRetry[T any](ctx context.Context, p *RetryPolicy, op func(ctx context.Context) (T, error)) (T, retryRun, error) {
	var zero T
	var run retryRun

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.record(attempt, OutcomeAborted, 0, ctx.Err())
			return zero, run, ctx.Err()
		default:
		}

		run.attempts = attempt
		result, err := op(ctx)
		if err == nil {
			p.record(attempt, OutcomeSuccess, 0, nil)
			return result, run, nil
		}

		if !p.Retryable(err) {
			p.record(attempt, OutcomeFailure, 0, err)
			return zero, run, err
		}

		if attempt == p.config.MaxAttempts {
			p.record(attempt, OutcomeFailure, 0, err)
			run.exhausted = true
			return zero, run, err
		}

		delay := p.Delay(attempt)
		if p.config.OnRetry != nil {
			p.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.record(attempt, OutcomeAborted, delay, ctx.Err())
			return zero, run, ctx.Err()
		case <-timer.C:
		}
		p.record(attempt, OutcomeFailure, delay, err)
	}

	return zero, run, nil
}

// History returns the recorded attempts, oldest first.
func (p *RetryPolicy) History() []Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Attempt, 0, p.size)
	start := (p.next - p.size + len(p.history)) % len(p.history)
	for i := 0; i < p.size; i++ {
		out = append(out, p.history[(start+i)%len(p.history)])
	}
	return out
}

// Stats summarizes the recorded history.
func (p *RetryPolicy) Stats() RetryStats {
	stats := RetryStats{Name: p.config.Name}
	for _, a := range p.History() {
		stats.Recorded++
		switch a.Outcome {
		case OutcomeSuccess:
			stats.Successes++
		case OutcomeFailure:
			stats.Failures++
		case OutcomeAborted:
			stats.Aborted++
		}
	}
	return stats
}

func (p *RetryPolicy) record(attempt int, outcome Outcome, delay time.Duration, err error) {
	entry := Attempt{
		Attempt: attempt,
		Outcome: outcome,
		Delay:   delay,
		At:      time.Now(),
	}
	if err != nil {
		entry.Err = err.Error()
	}

	p.mu.Lock()
	p.history[p.next] = entry
	p.next = (p.next + 1) % len(p.history)
	if p.size < len(p.history) {
		p.size++
	}
	p.mu.Unlock()
}
