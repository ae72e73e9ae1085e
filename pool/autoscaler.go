package pool

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/fortify/logger"
)

// Scale directions.
const (
	ScaleNone = "none"
	ScaleUp   = "up"
	ScaleDown = "down"
)

// ScaleAction describes one autoscaler decision.
type ScaleAction struct {
	Direction string    `json:"direction"`
	Shards    int       `json:"shards"`
	LoadRatio float64   `json:"load_ratio"`
	At        time.Time `json:"at"`
	// ShardID is the shard added or removed.
	ShardID string `json:"shard_id,omitempty"`
}

// AutoScaler grows and shrinks a pool from its average load ratio.
type AutoScaler[B any] struct {
	pool *Pool[B]

	mu         sync.Mutex
	lastAction time.Time
}

// NewAutoScaler creates an autoscaler for p.
func NewAutoScaler[B any](p *Pool[B]) *AutoScaler[B] {
	return &AutoScaler[B]{pool: p}
}

// Evaluate compares the pool average load ratio with the scale thresholds
// and adds or removes one shard, staying within [MinShards, MaxShards].
// After any action, scaling up waits ScaleUpCooldown and scaling down waits
// ScaleDownCooldown. Scale-down removes the least loaded shard.
func (a *AutoScaler[B]) Evaluate(ctx context.Context) (ScaleAction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.pool
	cfg := p.config
	now := p.clock.Now()
	ratio := p.AverageLoadRatio()
	size := p.Len()

	action := ScaleAction{Direction: ScaleNone, Shards: size, LoadRatio: ratio, At: now}

	var direction string
	var cooldown time.Duration
	switch {
	case ratio > cfg.ScaleUpThreshold && size < cfg.MaxShards:
		direction, cooldown = ScaleUp, cfg.ScaleUpCooldown
	case ratio < cfg.ScaleDownThreshold && size > cfg.MinShards:
		direction, cooldown = ScaleDown, cfg.ScaleDownCooldown
	default:
		return action, nil
	}

	if !a.lastAction.IsZero() && now.Sub(a.lastAction) < cooldown {
		return action, nil
	}

	switch direction {
	case ScaleUp:
		shard, err := p.addShard(ctx)
		if err != nil {
			p.log.Error("Pool scale up failed", logger.Fields(logger.FieldError, err.Error()))
			return action, err
		}
		if shard == nil {
			return action, nil
		}
		action.ShardID = shard.ID
	case ScaleDown:
		shard := p.removeShard()
		if shard == nil {
			return action, nil
		}
		action.ShardID = shard.ID
	}

	action.Direction = direction
	action.Shards = p.Len()
	a.lastAction = now

	p.mu.Lock()
	p.lastScale = action
	p.mu.Unlock()

	p.metrics.RecordScale(ctx, direction)
	p.log.Info("Pool scaled", logger.Fields(
		"direction", direction,
		"shards", action.Shards,
		"load_ratio", ratio,
		logger.FieldShardID, action.ShardID,
	))
	return action, nil
}
