package pool

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/fortify/clock"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
)

const maxHealthHistory = 1000

// Factory creates the backend of a new shard.
type Factory[B any] func(ctx context.Context) (B, error)

// Option configures a Pool.
type Option func(*options)

type options struct {
	clock   clock.Clock
	log     *logger.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// WithClock sets the time source used for health checks and scale cooldowns.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records selections, scale actions and shard gauges.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer for health check spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Pool routes calls across a set of shards. Backends implementing Pinger are
// pinged during health checks; backends implementing io.Closer are closed
// when their shard is removed by scale-down.
type Pool[B any] struct {
	config  Config
	factory Factory[B]
	options

	rr atomic.Uint64

	mu        sync.RWMutex
	shards    []*Shard[B]
	history   []HealthResult
	lastScale ScaleAction
}

// New creates a pool and its initial shards.
func New[B any](ctx context.Context, cfg Config, factory Factory[B], opts ...Option) (*Pool[B], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.Validation("pool factory is required")
	}
	minHealth := cfg.minHealthScore()
	cfg.MinHealthScore = &minHealth

	p := &Pool[B]{
		config:  cfg,
		factory: factory,
		options: options{
			clock:  clock.System(),
			log:    logger.Nop(),
			tracer: observability.Tracer(),
		},
	}
	for _, opt := range opts {
		opt(&p.options)
	}
	p.log = p.log.WithComponent("pool").WithFields(logger.Fields("pool", cfg.Name))

	for i := range cfg.InitialShards {
		weight := 1.0
		if i < len(cfg.Weights) {
			weight = cfg.Weights[i]
		}
		shard, err := p.newShard(ctx, weight)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.shards = append(p.shards, shard)
	}

	if err := p.registerGauges(); err != nil {
		return nil, err
	}

	p.log.Info("Resource pool created", logger.Fields(
		"shards", len(p.shards),
		"strategy", string(cfg.Strategy),
	))
	return p, nil
}

func (p *Pool[B]) newShard(ctx context.Context, weight float64) (*Shard[B], error) {
	backend, err := p.factory(ctx)
	if err != nil {
		return nil, errors.ExternalServiceError(p.config.Name, fmt.Errorf("creating shard backend: %w", err))
	}
	return newShard(backend, weight, p.config.MaxLoadPerShard), nil
}

// Name returns the pool name.
func (p *Pool[B]) Name() string { return p.config.Name }

// Config returns the pool configuration.
func (p *Pool[B]) Config() Config { return p.config }

// Shards returns the current shards in creation order.
func (p *Pool[B]) Shards() []*Shard[B] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.shards)
}

// Len returns the number of shards.
func (p *Pool[B]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.shards)
}

func (p *Pool[B]) eligible(s *Shard[B]) bool {
	return s.Health() >= p.config.minHealthScore()
}

// SelectShard picks a shard with the configured strategy. key is the routing
// key of consistent_hash and ignored by the other strategies. Only shards
// whose health is at least MinHealthScore are selected; when none is, the
// error is RESOURCE_EXHAUSTED.
func (p *Pool[B]) SelectShard(key string) (*Shard[B], error) {
	p.mu.RLock()
	all := p.shards
	p.mu.RUnlock()

	eligible := make([]*Shard[B], 0, len(all))
	for _, s := range all {
		if p.eligible(s) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.ResourceExhausted(p.config.Name)
	}

	s := p.pick(key, all, eligible)
	if s == nil {
		return nil, errors.ResourceExhausted(p.config.Name)
	}
	return s, nil
}

// Do runs fn on a selected shard.
func (p *Pool[B]) Do(ctx context.Context, key string, fn func(ctx context.Context, backend B) error) error {
	_, err := Execute(ctx, p, key, func(ctx context.Context, backend B) (struct{}, error) {
		return struct{}{}, fn(ctx, backend)
	})
	return err
}

// Execute runs fn on a shard selected from p, counting it as in-flight load
// on that shard and recording its response time and outcome.
func Execute[B, T any](ctx context.Context, p *Pool[B], key string, fn func(ctx context.Context, backend B) (T, error)) (T, error) {
	var zero T

	shard, err := p.SelectShard(key)
	if err != nil {
		p.log.Warn("No eligible shard", logger.Fields(logger.FieldError, err.Error()))
		return zero, err
	}
	p.metrics.RecordShardSelection(ctx, string(p.config.Strategy))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(observability.AttrShardID, shard.ID))

	shard.acquire()
	defer shard.release()

	start := p.clock.Now()
	result, err := fn(ctx, shard.backend)
	shard.record(p.clock.Now().Sub(start), err)
	return result, err
}

// AverageLoadRatio returns the mean load ratio across shards.
func (p *Pool[B]) AverageLoadRatio() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return averageLoad(p.shards)
}

func averageLoad[B any](shards []*Shard[B]) float64 {
	if len(shards) == 0 {
		return 0
	}
	var total float64
	for _, s := range shards {
		total += s.LoadRatio()
	}
	return total / float64(len(shards))
}

// addShard appends a new shard. The factory runs outside the lock.
func (p *Pool[B]) addShard(ctx context.Context) (*Shard[B], error) {
	shard, err := p.newShard(ctx, 1)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.shards) >= p.config.MaxShards {
		closeBackend(shard.backend)
		return nil, nil
	}
	p.shards = append(p.shards, shard)
	return shard, nil
}

// removeShard takes the least loaded shard out of rotation. Calls already
// running on it finish normally; its backend is closed afterwards.
func (p *Pool[B]) removeShard() *Shard[B] {
	p.mu.Lock()
	if len(p.shards) <= p.config.MinShards {
		p.mu.Unlock()
		return nil
	}
	idx := 0
	for i, s := range p.shards {
		if s.Load() < p.shards[idx].Load() {
			idx = i
		}
	}
	shard := p.shards[idx]
	// Copy so that slices handed out by SelectShard keep their contents.
	p.shards = slices.Delete(slices.Clone(p.shards), idx, idx+1)
	p.mu.Unlock()

	if shard.Load() == 0 {
		closeBackend(shard.backend)
	} else {
		go p.retire(shard)
	}
	return shard
}

// retire closes the backend of a removed shard once its in-flight calls drain.
func (p *Pool[B]) retire(shard *Shard[B]) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if shard.Load() == 0 {
			closeBackend(shard.backend)
			return
		}
	}
}

func closeBackend(backend any) {
	if c, ok := backend.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close closes every shard backend that implements io.Closer.
func (p *Pool[B]) Close() {
	p.mu.Lock()
	shards := p.shards
	p.shards = nil
	p.mu.Unlock()

	for _, s := range shards {
		closeBackend(s.backend)
	}
}

// ShardStats is a snapshot of one shard.
type ShardStats struct {
	ID              string        `json:"id"`
	Load            int64         `json:"load"`
	Health          int64         `json:"health"`
	Errors          uint64        `json:"errors"`
	Calls           uint64        `json:"calls"`
	Weight          float64       `json:"weight"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	Name             string       `json:"name"`
	Strategy         Strategy     `json:"strategy"`
	Shards           []ShardStats `json:"shards"`
	TotalLoad        int64        `json:"total_load"`
	TotalCapacity    int64        `json:"total_capacity"`
	AverageLoadRatio float64      `json:"average_load_ratio"`
	AverageHealth    int64        `json:"average_health"`
	LastScale        ScaleAction  `json:"last_scale"`
}

// Stats returns a snapshot of the pool.
func (p *Pool[B]) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{
		Name:             p.config.Name,
		Strategy:         p.config.Strategy,
		Shards:           make([]ShardStats, 0, len(p.shards)),
		AverageLoadRatio: averageLoad(p.shards),
		LastScale:        p.lastScale,
	}
	var health int64
	for _, s := range p.shards {
		ss := ShardStats{
			ID:              s.ID,
			Load:            s.Load(),
			Health:          s.Health(),
			Errors:          s.Errors(),
			Calls:           s.Calls(),
			Weight:          s.weight,
			AvgResponseTime: s.AvgResponseTime(),
		}
		st.Shards = append(st.Shards, ss)
		st.TotalLoad += ss.Load
		st.TotalCapacity += s.maxLoad
		health += ss.Health
	}
	if len(p.shards) > 0 {
		st.AverageHealth = health / int64(len(p.shards))
	}
	return st
}

func (p *Pool[B]) registerGauges() error {
	if err := p.metrics.RegisterGauge("fortify.pool.shard.load",
		"In-flight calls per shard",
		func(observe func(int64, ...attribute.KeyValue)) {
			for _, s := range p.Shards() {
				observe(s.Load(), attribute.String("pool", p.config.Name), attribute.String("shard_id", s.ID))
			}
		}); err != nil {
		return err
	}
	return p.metrics.RegisterGauge("fortify.pool.shard.health",
		"Health score per shard",
		func(observe func(int64, ...attribute.KeyValue)) {
			for _, s := range p.Shards() {
				observe(s.Health(), attribute.String("pool", p.config.Name), attribute.String("shard_id", s.ID))
			}
		})
}
