package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/fortify/cache"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
	"github.com/kbukum/fortify/pool"
	"github.com/kbukum/fortify/ratelimit"
	"github.com/kbukum/fortify/resilience"
	"github.com/kbukum/fortify/validation"
)

// Request describes one protected call.
type Request struct {
	// ClientKey identifies the caller to the rate limiter, typically an IP.
	ClientKey string `json:"client_key" validate:"required"`
	// Operation names the orchestrator policies and the cache namespace.
	Operation string `json:"operation" validate:"required"`
	// Params are hashed into the cache key and the shard routing key.
	Params any `json:"params"`
	// Priority selects the cache tier for the result.
	Priority cache.Priority `json:"priority"`
	// Cost is the number of limiter tokens spent. Zero means one.
	Cost float64 `json:"cost" validate:"gte=0"`
	// NoCache skips the cache lookup and store.
	NoCache bool `json:"no_cache"`
}

// Op runs against the backend of the selected shard.
type Op[B any] func(ctx context.Context, backend B) ([]byte, error)

// Option configures a Guard.
type Option func(*options)

type options struct {
	limiter      *ratelimit.AdaptiveLimiter
	cache        *cache.MultiTierCache
	orchestrator *resilience.Orchestrator
	log          *logger.Logger
	tracer       trace.Tracer
}

// WithLimiter admits requests through l.
func WithLimiter(l *ratelimit.AdaptiveLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithCache serves and stores results through c.
func WithCache(c *cache.MultiTierCache) Option {
	return func(o *options) { o.cache = c }
}

// WithOrchestrator runs operations under the policies of orch.
func WithOrchestrator(orch *resilience.Orchestrator) Option {
	return func(o *options) { o.orchestrator = orch }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTracer sets the tracer for guard spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Guard protects a pool of backends. Every mechanism other than the pool is
// optional and skipped when not configured.
type Guard[B any] struct {
	pool *pool.Pool[B]
	options
}

// New creates a guard in front of p.
func New[B any](p *pool.Pool[B], opts ...Option) (*Guard[B], error) {
	if p == nil {
		return nil, errors.InvalidInput("pool", "must not be nil")
	}
	g := &Guard[B]{
		pool: p,
		options: options{
			log:    logger.Nop(),
			tracer: observability.Tracer(),
		},
	}
	for _, opt := range opts {
		opt(&g.options)
	}
	g.log = g.log.WithComponent("gateway")
	return g, nil
}

// Do runs op for req: limiter admission, cache lookup, then the
// orchestrator around a pool execution. Cache hits skip the orchestrator and
// the pool. Concurrent misses for the same key share one execution.
func (g *Guard[B]) Do(ctx context.Context, req Request, op Op[B]) ([]byte, error) {
	if err := validation.Validate(req); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, observability.SpanGuard, trace.WithAttributes(
		attribute.String(observability.AttrOperationID, req.Operation),
		attribute.String(observability.AttrClientKey, req.ClientKey),
	))

	out, err := g.do(ctx, req, op)
	observability.EndSpan(span, err)
	return out, err
}

func (g *Guard[B]) do(ctx context.Context, req Request, op Op[B]) ([]byte, error) {
	if g.limiter != nil {
		cost := req.Cost
		if cost == 0 {
			cost = 1
		}
		if err := g.limiter.Allow(ctx, req.ClientKey, cost); err != nil {
			g.log.Debug("Request rejected by rate limiter", logger.Fields(
				logger.FieldClientKey, req.ClientKey,
				logger.FieldOperationID, req.Operation,
				logger.FieldError, err.Error(),
			))
			return nil, err
		}
	}

	key, err := cache.Key(req.Operation, req.Params)
	if err != nil {
		return nil, errors.InvalidInput("params", err.Error())
	}

	run := func(ctx context.Context) ([]byte, error) {
		return g.execute(ctx, req.Operation, key, op)
	}

	if g.cache == nil || req.NoCache {
		return run(ctx)
	}

	if data, ok := g.cache.Get(ctx, key); ok {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(observability.AttrCacheHit, true))
		return data, nil
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(observability.AttrCacheHit, false))
	return g.cache.Load(ctx, key, req.Priority, run)
}

// execute runs op on a pool shard routed by key, under the orchestrator
// policies of operation when an orchestrator is configured.
func (g *Guard[B]) execute(ctx context.Context, operation, key string, op Op[B]) ([]byte, error) {
	onShard := func(ctx context.Context) ([]byte, error) {
		return pool.Execute(ctx, g.pool, key, func(ctx context.Context, backend B) ([]byte, error) {
			return op(ctx, backend)
		})
	}
	if g.orchestrator == nil {
		return onShard(ctx)
	}
	return resilience.Execute(ctx, g.orchestrator, operation, onShard)
}

// Pool returns the guarded pool.
func (g *Guard[B]) Pool() *pool.Pool[B] {
	return g.pool
}
