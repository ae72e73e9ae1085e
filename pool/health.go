package pool

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
)

const pingConcurrency = 8

// HealthResult is the outcome of checking one shard.
type HealthResult struct {
	ShardID   string        `json:"shard_id"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
	LoadRatio float64       `json:"load_ratio"`
	Healthy   bool          `json:"healthy"`
	Health    int64         `json:"health"`
	Error     string        `json:"error,omitempty"`
}

// HealthCheck checks every shard. A shard fails when its load ratio exceeds
// FailureLoadRatio or its backend Ping fails, losing 10 health points;
// otherwise it gains 5, capped at 100. Pings run concurrently.
func (p *Pool[B]) HealthCheck(ctx context.Context) []HealthResult {
	ctx, span := p.tracer.Start(ctx, observability.SpanPoolHealth)
	defer span.End()

	shards := p.Shards()
	results := make([]HealthResult, len(shards))

	var g errgroup.Group
	g.SetLimit(pingConcurrency)
	for i, s := range shards {
		g.Go(func() error {
			results[i] = p.checkShard(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	unhealthy := 0
	for _, r := range results {
		if !r.Healthy {
			unhealthy++
		}
	}
	span.SetAttributes(
		attribute.Int("fortify.pool.shards", len(results)),
		attribute.Int("fortify.pool.unhealthy", unhealthy),
	)

	p.mu.Lock()
	p.history = append(p.history, results...)
	if over := len(p.history) - maxHealthHistory; over > 0 {
		p.history = slices.Delete(p.history, 0, over)
	}
	p.mu.Unlock()

	if unhealthy > 0 {
		p.log.Warn("Pool health check found failing shards", logger.Fields(
			"failing", unhealthy,
			"shards", len(results),
		))
	}
	return results
}

func (p *Pool[B]) checkShard(ctx context.Context, s *Shard[B]) HealthResult {
	start := p.clock.Now()
	r := HealthResult{
		ShardID:   s.ID,
		CheckedAt: start,
		LoadRatio: s.LoadRatio(),
		Healthy:   true,
	}

	if r.LoadRatio > p.config.FailureLoadRatio {
		r.Healthy = false
		r.Error = "overloaded"
	} else if pinger, ok := any(s.backend).(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			r.Healthy = false
			r.Error = err.Error()
		}
	}
	r.Duration = p.clock.Now().Sub(start)

	if r.Healthy {
		r.Health = s.adjustHealth(healthRecovery)
	} else {
		r.Health = s.adjustHealth(-healthPenalty)
		p.log.Debug("Shard health check failed", logger.Fields(
			logger.FieldShardID, s.ID,
			"health", r.Health,
			logger.FieldError, r.Error,
		))
	}
	return r
}

// HealthHistory returns the most recent health results, oldest first.
func (p *Pool[B]) HealthHistory() []HealthResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.history)
}
