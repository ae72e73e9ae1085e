package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Call outcomes recorded by RecordCall.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics holds the OpenTelemetry instruments of the resilience layer.
type Metrics struct {
	meter metric.Meter

	callTotal         metric.Int64Counter
	callDuration      metric.Float64Histogram
	rejectionTotal    metric.Int64Counter
	breakerTransition metric.Int64Counter
	retryTotal        metric.Int64Counter
	rateLimitTotal    metric.Int64Counter
	cacheLookupTotal  metric.Int64Counter
	cacheEvictTotal   metric.Int64Counter
	poolSelectTotal   metric.Int64Counter
	poolScaleTotal    metric.Int64Counter
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.callTotal, err = meter.Int64Counter("fortify.calls",
		metric.WithDescription("Protected calls by operation and outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.calls counter: %w", err)
	}

	if m.callDuration, err = meter.Float64Histogram("fortify.call.duration",
		metric.WithDescription("Duration of protected calls in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.call.duration histogram: %w", err)
	}

	if m.rejectionTotal, err = meter.Int64Counter("fortify.rejections",
		metric.WithDescription("Calls rejected before running, by mechanism"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.rejections counter: %w", err)
	}

	if m.breakerTransition, err = meter.Int64Counter("fortify.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.breaker.transitions counter: %w", err)
	}

	if m.retryTotal, err = meter.Int64Counter("fortify.retry.attempts",
		metric.WithDescription("Retry attempts scheduled after a failure"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.retry.attempts counter: %w", err)
	}

	if m.rateLimitTotal, err = meter.Int64Counter("fortify.ratelimit.decisions",
		metric.WithDescription("Rate limiter decisions by reason"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.ratelimit.decisions counter: %w", err)
	}

	if m.cacheLookupTotal, err = meter.Int64Counter("fortify.cache.lookups",
		metric.WithDescription("Cache lookups by tier and result"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.cache.lookups counter: %w", err)
	}

	if m.cacheEvictTotal, err = meter.Int64Counter("fortify.cache.evictions",
		metric.WithDescription("Cache evictions by tier"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.cache.evictions counter: %w", err)
	}

	if m.poolSelectTotal, err = meter.Int64Counter("fortify.pool.selections",
		metric.WithDescription("Shard selections by strategy"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.pool.selections counter: %w", err)
	}

	if m.poolScaleTotal, err = meter.Int64Counter("fortify.pool.scale_actions",
		metric.WithDescription("Pool scale actions by direction"),
	); err != nil {
		return nil, fmt.Errorf("creating fortify.pool.scale_actions counter: %w", err)
	}

	return m, nil
}

// RecordCall records a completed protected call.
func (m *Metrics) RecordCall(ctx context.Context, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	m.callDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordRejection records a call refused by mechanism before it ran.
func (m *Metrics) RecordRejection(ctx context.Context, operation, mechanism string) {
	if m == nil {
		return
	}
	m.rejectionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("mechanism", mechanism),
	))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransition.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, policy string, attempt int) {
	if m == nil {
		return
	}
	m.retryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.Int("attempt", attempt),
	))
}

// RecordRateLimit records a rate limiter decision.
func (m *Metrics) RecordRateLimit(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCacheLookup records a cache lookup in a tier.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordCacheEvictions records n evictions from a tier.
func (m *Metrics) RecordCacheEvictions(ctx context.Context, tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheEvictTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

// RecordShardSelection records a shard selection.
func (m *Metrics) RecordShardSelection(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.poolSelectTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
	))
}

// RecordScale records a pool scale action.
func (m *Metrics) RecordScale(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.poolScaleTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// GaugeFunc reports current values through observe.
type GaugeFunc func(observe func(value int64, attrs ...attribute.KeyValue))

// RegisterGauge registers an asynchronous gauge whose values are read from fn
// on every collection.
func (m *Metrics) RegisterGauge(name, description string, fn GaugeFunc) error {
	if m == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge(name, metric.WithDescription(description))
	if err != nil {
		return fmt.Errorf("creating %s gauge: %w", name, err)
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		fn(func(value int64, attrs ...attribute.KeyValue) {
			o.ObserveInt64(gauge, value, metric.WithAttributes(attrs...))
		})
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("registering %s callback: %w", name, err)
	}
	return nil
}
