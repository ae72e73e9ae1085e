package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kbukum/fortify/clock"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of trial calls through.
	StateHalfOpen
	// StateForcedOpen rejects every call until Reset.
	StateForcedOpen
	// StateForcedClosed allows every call until Reset.
	StateForcedClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StateForcedOpen:
		return "forced-open"
	case StateForcedClosed:
		return "forced-closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in status snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

const (
	// minSlowCallSamples is the number of recorded calls needed before the
	// slow-call rate is evaluated.
	minSlowCallSamples = 10
	maxTransitions     = 100
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker for logging/metrics.
	Name string `yaml:"-" mapstructure:"-"`
	// FailureThreshold is the base number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	// SuccessThreshold is the number of half-open successes that closes the circuit.
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold" validate:"gte=1"`
	// Timeout is how long the circuit stays open after the last failure.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	// HalfOpenMaxCalls spaces out half-open trial calls: a call is let through when
	// the total call count is a multiple of it.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls" validate:"gte=1"`
	// SlowCallDurationThreshold marks successful calls slower than this as slow. 0 disables.
	SlowCallDurationThreshold time.Duration `yaml:"slow_call_duration_threshold" mapstructure:"slow_call_duration_threshold" validate:"gte=0"`
	// SlowCallRateThreshold is the slow/total ratio above which the circuit opens.
	SlowCallRateThreshold float64 `yaml:"slow_call_rate_threshold" mapstructure:"slow_call_rate_threshold" validate:"gte=0,lte=1"`
	// AdaptiveThreshold scales FailureThreshold by the lifetime failure rate.
	AdaptiveThreshold bool `yaml:"adaptive_threshold_enabled" mapstructure:"adaptive_threshold_enabled"`
	// OnStateChange is called on every transition, with the breaker lock held.
	OnStateChange func(name string, from, to State) `yaml:"-" mapstructure:"-"`
	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock `yaml:"-" mapstructure:"-"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                      name,
		FailureThreshold:          5,
		SuccessThreshold:          3,
		Timeout:                   30 * time.Second,
		HalfOpenMaxCalls:          2,
		SlowCallDurationThreshold: 10 * time.Second,
		SlowCallRateThreshold:     0.5,
		AdaptiveThreshold:         true,
	}
}

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// BreakerMetrics is a point-in-time snapshot of a circuit breaker.
type BreakerMetrics struct {
	Name                string
	State               State
	TotalCalls          uint64
	SuccessfulCalls     uint64
	FailedCalls         uint64
	RejectedCalls       uint64
	SlowCalls           uint64
	ConsecutiveFailures int
	EffectiveThreshold  int
	AvgResponseTime     time.Duration
	FailureRate         float64
	LastFailure         time.Time
}

// CircuitBreaker gates calls to one operation class. The state and every
// counter are guarded by a single mutex so a transition and its counter
// reset are always observed together.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  clock.Clock

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	successCount        int
	halfOpenAttempts    uint64
	effectiveThreshold  int
	lastFailure         time.Time
	totalCalls          uint64
	successfulCalls     uint64
	failedCalls         uint64
	rejectedCalls       uint64
	slowCalls           uint64
	avgResponseTime     time.Duration
	transitions         []Transition
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}

	return &CircuitBreaker{
		config:             config,
		clock:              clock.OrSystem(config.Clock),
		state:              StateClosed,
		effectiveThreshold: config.FailureThreshold,
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanExecute reports whether a call may proceed. An open circuit whose
// timeout has elapsed moves to half-open and lets this call through.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateForcedClosed:
		return true
	case StateOpen:
		if !cb.lastFailure.IsZero() && cb.clock.Now().Sub(cb.lastFailure) >= cb.config.Timeout {
			cb.toState(StateHalfOpen, "open timeout elapsed")
			return true
		}
	case StateHalfOpen:
		// The call that opened half-open was attempt zero. Rejected
		// attempts count too, so admission cannot stall.
		cb.halfOpenAttempts++
		if cb.halfOpenAttempts%uint64(cb.config.HalfOpenMaxCalls) == 0 {
			return true
		}
	}

	cb.rejectedCalls++
	return false
}

// RecordSuccess records a successful call that took d.
func (cb *CircuitBreaker) RecordSuccess(d time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.successfulCalls++
	cb.updateResponseTime(d)

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.toState(StateClosed, "half-open trial calls succeeded")
		}
	case StateClosed:
		cb.consecutiveFailures = 0
	}

	if cb.config.SlowCallDurationThreshold <= 0 || d <= cb.config.SlowCallDurationThreshold {
		return
	}
	cb.slowCalls++
	if cb.state != StateClosed && cb.state != StateHalfOpen {
		return
	}
	if cb.totalCalls >= minSlowCallSamples && cb.slowCallRate() > cb.config.SlowCallRateThreshold {
		// The open timeout is measured from lastFailure, so a latency trip
		// stamps it like a failure would.
		cb.lastFailure = cb.clock.Now()
		cb.toState(StateOpen, "slow call rate exceeded")
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.failedCalls++
	cb.lastFailure = cb.clock.Now()
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		cb.effectiveThreshold = cb.computeThreshold()
		if cb.consecutiveFailures >= cb.effectiveThreshold {
			cb.toState(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		cb.toState(StateOpen, "half-open trial call failed")
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// Returns ErrCircuitOpen without calling fn when the circuit rejects.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute() {
		return ErrCircuitOpen
	}

	start := cb.clock.Now()
	err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess(cb.clock.Now().Sub(start))
	return nil
}

// ForceOpen rejects every call until Reset.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toState(StateForcedOpen, "forced open")
}

// ForceClosed allows every call until Reset.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toState(StateForcedClosed, "forced closed")
}

// Reset closes the circuit and clears every counter, including the lifetime
// counts that drive the adaptive threshold.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.toState(StateClosed, "reset")
	cb.consecutiveFailures = 0
	cb.successCount = 0
	cb.halfOpenAttempts = 0
	cb.lastFailure = time.Time{}
	cb.totalCalls = 0
	cb.successfulCalls = 0
	cb.failedCalls = 0
	cb.rejectedCalls = 0
	cb.slowCalls = 0
	cb.avgResponseTime = 0
	cb.effectiveThreshold = cb.config.FailureThreshold
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerMetrics{
		Name:                cb.config.Name,
		State:               cb.state,
		TotalCalls:          cb.totalCalls,
		SuccessfulCalls:     cb.successfulCalls,
		FailedCalls:         cb.failedCalls,
		RejectedCalls:       cb.rejectedCalls,
		SlowCalls:           cb.slowCalls,
		ConsecutiveFailures: cb.consecutiveFailures,
		EffectiveThreshold:  cb.effectiveThreshold,
		AvgResponseTime:     cb.avgResponseTime,
		FailureRate:         cb.failureRate(),
		LastFailure:         cb.lastFailure,
	}
}

// Transitions returns the most recent state changes, oldest first.
func (cb *CircuitBreaker) Transitions() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]Transition, len(cb.transitions))
	copy(out, cb.transitions)
	return out
}

// computeThreshold derives the failure threshold from the lifetime failure rate.
func (cb *CircuitBreaker) computeThreshold() int {
	base := cb.config.FailureThreshold
	if !cb.config.AdaptiveThreshold {
		return base
	}

	multiplier := 1.0
	switch rate := cb.failureRate(); {
	case rate > 0.10:
		multiplier = 0.8
	case rate < 0.01:
		multiplier = 1.5
	}

	threshold := int(float64(base) * multiplier)
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.totalCalls == 0 {
		return 0
	}
	return float64(cb.failedCalls) / float64(cb.totalCalls)
}

func (cb *CircuitBreaker) slowCallRate() float64 {
	if cb.totalCalls == 0 {
		return 0
	}
	return float64(cb.slowCalls) / float64(cb.totalCalls)
}

func (cb *CircuitBreaker) updateResponseTime(d time.Duration) {
	if cb.avgResponseTime == 0 {
		cb.avgResponseTime = d
		return
	}
	cb.avgResponseTime = (cb.avgResponseTime + d) / 2
}

// toState transitions to a new state. Must be called with lock held.
func (cb *CircuitBreaker) toState(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.halfOpenAttempts = 0
	switch to {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.successCount = 0
	case StateOpen, StateHalfOpen:
		cb.successCount = 0
	}

	cb.transitions = append(cb.transitions, Transition{
		From:   from,
		To:     to,
		At:     cb.clock.Now(),
		Reason: reason,
	})
	if len(cb.transitions) > maxTransitions {
		cb.transitions = append(cb.transitions[:0], cb.transitions[len(cb.transitions)-maxTransitions:]...)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
