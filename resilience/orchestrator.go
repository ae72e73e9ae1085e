package resilience

import (
	"context"
	stderrors "errors"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kbukum/fortify/clock"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
	"github.com/kbukum/fortify/validation"
)

// PolicyConfig groups the mechanisms guarding one operation class. Nil
// entries are skipped.
type PolicyConfig struct {
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty" mapstructure:"circuit_breaker"`
	Retry          *RetryConfig          `yaml:"retry,omitempty" mapstructure:"retry"`
	Bulkhead       *BulkheadConfig       `yaml:"bulkhead,omitempty" mapstructure:"bulkhead"`
}

// Config holds the policies keyed by operation ID.
type Config struct {
	Policies map[string]PolicyConfig `yaml:"policies" mapstructure:"policies"`
}

// DefaultConfig returns a Config holding DefaultPolicies.
func DefaultConfig() Config {
	return Config{Policies: DefaultPolicies()}
}

// ApplyDefaults fills in DefaultPolicies when no policy is configured.
func (c *Config) ApplyDefaults() {
	if len(c.Policies) == 0 {
		c.Policies = DefaultPolicies()
	}
}

// Validate checks every configured policy.
func (c *Config) Validate() error {
	v := validation.New()
	for _, id := range slices.Sorted(maps.Keys(c.Policies)) {
		p := c.Policies[id]
		prefix := "policies." + id
		if p.CircuitBreaker != nil {
			v.Merge(prefix+".circuit_breaker", validation.Validate(p.CircuitBreaker))
		}
		if p.Retry != nil {
			v.Merge(prefix+".retry", validation.Validate(p.Retry))
			v.Custom(p.Retry.MaxDelay >= p.Retry.InitialDelay, prefix+".retry.max_delay", "must not be below initial_delay")
		}
		if p.Bulkhead != nil {
			v.Merge(prefix+".bulkhead", validation.Validate(p.Bulkhead))
		}
	}
	return v.Err()
}

// DefaultPolicies returns the built-in policies for the protected operation
// classes.
func DefaultPolicies() map[string]PolicyConfig {
	fhe := DefaultCircuitBreakerConfig("fhe_operations")

	llm := CircuitBreakerConfig{
		Name:                      "llm_provider",
		FailureThreshold:          3,
		SuccessThreshold:          2,
		Timeout:                   60 * time.Second,
		HalfOpenMaxCalls:          1,
		SlowCallDurationThreshold: 30 * time.Second,
		SlowCallRateThreshold:     0.3,
		AdaptiveThreshold:         true,
	}

	db := DefaultRetryConfig("database_operations")

	gpu := BulkheadConfig{
		Name:               "gpu_resources",
		MaxConcurrentCalls: 32,
		QueueCapacity:      128,
		Timeout:            30 * time.Second,
	}

	return map[string]PolicyConfig{
		"fhe_operations":      {CircuitBreaker: &fhe},
		"llm_provider":        {CircuitBreaker: &llm},
		"database_operations": {Retry: &db},
		"gpu_resources":       {Bulkhead: &gpu},
	}
}

// StatusReport is a snapshot of every registered mechanism.
type StatusReport struct {
	Breakers  map[string]BreakerMetrics
	Bulkheads map[string]BulkheadStats
	Retries   map[string]RetryStats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records calls, rejections, retries and breaker transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock sets the time source handed to breakers and used for timings.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock.OrSystem(c)
	}
}

// WithPolicies registers the given policies instead of DefaultPolicies.
func WithPolicies(policies map[string]PolicyConfig) Option {
	return func(o *Orchestrator) {
		o.initial = policies
	}
}

// Orchestrator composes circuit breaker, bulkhead and retry around opaque
// operations. Mechanisms are registered per operation ID; an operation with
// none registered runs unguarded.
type Orchestrator struct {
	log     *logger.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	clock   clock.Clock
	initial map[string]PolicyConfig

	rejectLog *rate.Sometimes

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	retries   map[string]*RetryPolicy
	bulkheads map[string]*Bulkhead
}

// NewOrchestrator creates an orchestrator. Without WithPolicies it registers
// DefaultPolicies.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:       logger.Nop(),
		tracer:    observability.Tracer(),
		clock:     clock.System(),
		rejectLog: &rate.Sometimes{First: 5, Interval: 10 * time.Second},
		breakers:  make(map[string]*CircuitBreaker),
		retries:   make(map[string]*RetryPolicy),
		bulkheads: make(map[string]*Bulkhead),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithComponent("resilience")

	policies := o.initial
	if policies == nil {
		policies = DefaultPolicies()
	}
	for _, id := range slices.Sorted(maps.Keys(policies)) {
		o.Register(id, policies[id])
	}
	o.initial = nil

	if err := o.registerGauges(); err != nil {
		o.log.Warn("Failed to register resilience gauges", logger.Fields(logger.FieldError, err.Error()))
	}
	return o
}

// Register installs every mechanism present in p for operationID.
func (o *Orchestrator) Register(operationID string, p PolicyConfig) {
	if p.CircuitBreaker != nil {
		o.RegisterCircuitBreaker(operationID, *p.CircuitBreaker)
	}
	if p.Retry != nil {
		o.RegisterRetryPolicy(operationID, *p.Retry)
	}
	if p.Bulkhead != nil {
		o.RegisterBulkhead(operationID, *p.Bulkhead)
	}
}

// RegisterCircuitBreaker installs a breaker for operationID, replacing any
// previous one.
func (o *Orchestrator) RegisterCircuitBreaker(operationID string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.Name = operationID
	if cfg.Clock == nil {
		cfg.Clock = o.clock
	}
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		o.log.Info("Circuit breaker state changed", logger.Fields(
			logger.FieldOperationID, name,
			logger.FieldFromState, from.String(),
			logger.FieldState, to.String(),
		))
		o.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	cb := NewCircuitBreaker(cfg)
	o.mu.Lock()
	o.breakers[operationID] = cb
	o.mu.Unlock()
	return cb
}

// RegisterRetryPolicy installs a retry policy for operationID.
func (o *Orchestrator) RegisterRetryPolicy(operationID string, cfg RetryConfig) *RetryPolicy {
	cfg.Name = operationID
	userHook := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.log.Debug("Retrying operation", logger.Fields(
			logger.FieldOperationID, operationID,
			logger.FieldAttempt, attempt,
			logger.FieldError, err.Error(),
			"delay_ms", delay.Milliseconds(),
		))
		o.metrics.RecordRetry(context.Background(), operationID, attempt)
		if userHook != nil {
			userHook(attempt, err, delay)
		}
	}

	p := NewRetryPolicy(cfg)
	o.mu.Lock()
	o.retries[operationID] = p
	o.mu.Unlock()
	return p
}

// RegisterBulkhead installs a bulkhead for operationID.
func (o *Orchestrator) RegisterBulkhead(operationID string, cfg BulkheadConfig) *Bulkhead {
	cfg.Name = operationID
	b := NewBulkhead(cfg)
	o.mu.Lock()
	o.bulkheads[operationID] = b
	o.mu.Unlock()
	return b
}

// Breaker returns the breaker registered for operationID.
func (o *Orchestrator) Breaker(operationID string) (*CircuitBreaker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cb, ok := o.breakers[operationID]
	return cb, ok
}

// RetryPolicy returns the retry policy registered for operationID.
func (o *Orchestrator) RetryPolicy(operationID string) (*RetryPolicy, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.retries[operationID]
	return p, ok
}

// Bulkhead returns the bulkhead registered for operationID.
func (o *Orchestrator) Bulkhead(operationID string) (*Bulkhead, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.bulkheads[operationID]
	return b, ok
}

// Do runs op under the policies of operationID.
func (o *Orchestrator) Do(ctx context.Context, operationID string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, o, operationID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op under the policies registered for operationID:
// breaker check, bulkhead permit, then op with retries. The outcome is
// recorded into the breaker. Rejections are returned as AppErrors naming the
// mechanism, before op runs. A ctx deadline bounds the whole sequence.
func Execute[T any](ctx context.Context, o *Orchestrator, operationID string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := o.tracer.Start(ctx, observability.SpanExecute,
		trace.WithAttributes(attribute.String(observability.AttrOperationID, operationID)))
	start := o.clock.Now()

	o.mu.RLock()
	breaker := o.breakers[operationID]
	retry := o.retries[operationID]
	bulkhead := o.bulkheads[operationID]
	o.mu.RUnlock()

	if breaker != nil && !breaker.CanExecute() {
		err := errors.CircuitOpen(operationID, breaker.State().String()).WithCause(ErrCircuitOpen)
		o.rejected(ctx, span, operationID, err)
		return zero, err
	}

	if bulkhead != nil {
		permit, err := bulkhead.Acquire(ctx)
		if err != nil {
			err = o.bulkheadError(operationID, err, o.clock.Now().Sub(start))
			o.rejected(ctx, span, operationID, err)
			return zero, err
		}
		defer permit.Release()
	}

	callStart := o.clock.Now()
	var (
		result T
		err    error
		run    retryRun
	)
	if retry != nil {
		result, run, err = runWithRetry(ctx, retry, op)
	} else {
		run.attempts = 1
		result, err = op(ctx)
	}
	elapsed := o.clock.Now().Sub(callStart)

	span.SetAttributes(attribute.Int(observability.AttrAttempts, run.attempts))

	if err == nil {
		if breaker != nil {
			breaker.RecordSuccess(elapsed)
		}
		o.metrics.RecordCall(ctx, operationID, observability.OutcomeSuccess, o.clock.Now().Sub(start))
		observability.EndSpan(span, nil)
		return result, nil
	}

	// Caller cancellation says nothing about the health of the operation.
	if breaker != nil && !(stderrors.Is(err, context.Canceled) && ctx.Err() != nil) {
		breaker.RecordFailure()
	}

	switch {
	case run.exhausted && retry.MaxAttempts() > 1:
		err = errors.RetryExhausted(operationID, run.attempts, err)
	case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		err = errors.Timeout(operationID).WithCause(err)
	}

	o.log.WithContext(ctx).Warn("Protected operation failed", logger.Fields(
		logger.FieldOperationID, operationID,
		logger.FieldAttempt, run.attempts,
		logger.FieldError, err.Error(),
		logger.FieldDuration, elapsed.Milliseconds(),
	))
	o.metrics.RecordCall(ctx, operationID, observability.OutcomeFailure, o.clock.Now().Sub(start))
	observability.EndSpan(span, err)
	return zero, err
}

// Status returns a snapshot of every registered mechanism.
func (o *Orchestrator) Status() StatusReport {
	o.mu.RLock()
	defer o.mu.RUnlock()

	report := StatusReport{
		Breakers:  make(map[string]BreakerMetrics, len(o.breakers)),
		Bulkheads: make(map[string]BulkheadStats, len(o.bulkheads)),
		Retries:   make(map[string]RetryStats, len(o.retries)),
	}
	for id, cb := range o.breakers {
		report.Breakers[id] = cb.Metrics()
	}
	for id, b := range o.bulkheads {
		report.Bulkheads[id] = b.Stats()
	}
	for id, p := range o.retries {
		report.Retries[id] = p.Stats()
	}
	return report
}

func (o *Orchestrator) bulkheadError(operationID string, err error, waited time.Duration) error {
	switch {
	case stderrors.Is(err, ErrBulkheadFull):
		return errors.BulkheadFull(operationID).WithCause(err)
	case stderrors.Is(err, ErrBulkheadTimeout):
		return errors.BulkheadTimeout(operationID, waited).WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(operationID).WithCause(err)
	default:
		return err
	}
}

func (o *Orchestrator) rejected(ctx context.Context, span trace.Span, operationID string, err error) {
	mechanism := errors.MechanismOf(err)
	span.SetAttributes(attribute.String(observability.AttrMechanism, mechanism))
	observability.EndSpan(span, err)

	o.metrics.RecordRejection(ctx, operationID, mechanism)
	o.metrics.RecordCall(ctx, operationID, observability.OutcomeRejected, 0)
	o.rejectLog.Do(func() {
		o.log.WithContext(ctx).Warn("Operation rejected", logger.Fields(
			logger.FieldOperationID, operationID,
			logger.FieldMechanism, mechanism,
			logger.FieldError, err.Error(),
		))
	})
}

func (o *Orchestrator) registerGauges() error {
	if o.metrics == nil {
		return nil
	}
	if err := o.metrics.RegisterGauge("fortify.breaker.state",
		"Circuit breaker state (0 closed, 1 open, 2 half-open, 3 forced-open, 4 forced-closed)",
		func(observe func(int64, ...attribute.KeyValue)) {
			for id, m := range o.Status().Breakers {
				observe(int64(m.State), attribute.String("breaker", id))
			}
		}); err != nil {
		return err
	}
	return o.metrics.RegisterGauge("fortify.bulkhead.callers",
		"Callers holding or waiting for a bulkhead permit",
		func(observe func(int64, ...attribute.KeyValue)) {
			for id, s := range o.Status().Bulkheads {
				observe(int64(s.Active), attribute.String("bulkhead", id), attribute.String("kind", "active"))
				observe(int64(s.Queued), attribute.String("bulkhead", id), attribute.String("kind", "queued"))
			}
		})
}
