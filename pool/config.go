package pool

import (
	"time"

	"github.com/kbukum/fortify/validation"
)

// Strategy selects a shard for a call.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyResponseTime       Strategy = "response_time"
	StrategyConsistentHash     Strategy = "consistent_hash"
	StrategyAdaptiveHybrid     Strategy = "adaptive_hybrid"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyRoundRobin,
	StrategyLeastConnections,
	StrategyWeightedRoundRobin,
	StrategyResponseTime,
	StrategyConsistentHash,
	StrategyAdaptiveHybrid,
}

// HybridWeights weighs the terms of the adaptive_hybrid score.
type HybridWeights struct {
	Load         float64 `yaml:"load" mapstructure:"load" validate:"gte=0"`
	ResponseTime float64 `yaml:"response_time" mapstructure:"response_time" validate:"gte=0"`
	Health       float64 `yaml:"health" mapstructure:"health" validate:"gte=0"`
	Errors       float64 `yaml:"errors" mapstructure:"errors" validate:"gte=0"`
}

func (w HybridWeights) isZero() bool {
	return w.Load == 0 && w.ResponseTime == 0 && w.Health == 0 && w.Errors == 0
}

// Config configures a resource pool.
type Config struct {
	// Name identifies the pool in errors, logs and metrics.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	MinShards     int `yaml:"min_shards" mapstructure:"min_shards" validate:"gte=1"`
	MaxShards     int `yaml:"max_shards" mapstructure:"max_shards" validate:"gte=1"`
	InitialShards int `yaml:"initial_shards" mapstructure:"initial_shards" validate:"gte=1"`
	// MaxLoadPerShard is the number of in-flight calls that makes a shard fully loaded.
	MaxLoadPerShard int64 `yaml:"max_load_per_shard" mapstructure:"max_load_per_shard" validate:"gt=0"`

	Strategy Strategy `yaml:"strategy" mapstructure:"strategy" validate:"oneof=round_robin least_connections weighted_round_robin response_time consistent_hash adaptive_hybrid"`
	// Weights are the weighted_round_robin weights of the initial shards.
	// Missing entries and shards added by scale-up weigh 1.
	Weights []float64     `yaml:"weights" mapstructure:"weights" validate:"dive,gte=0"`
	Hybrid  HybridWeights `yaml:"hybrid" mapstructure:"hybrid"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval" validate:"gte=1s"`
	// FailureLoadRatio is the load ratio above which a health check fails.
	FailureLoadRatio float64 `yaml:"failure_load_ratio" mapstructure:"failure_load_ratio" validate:"gt=0"`
	// MinHealthScore is the lowest health score a shard can be selected with.
	// Nil means the default of 1; an explicit 0 keeps exhausted shards
	// selectable.
	MinHealthScore *int64 `yaml:"min_health_score" mapstructure:"min_health_score" validate:"omitempty,gte=0,lte=100"`

	ScaleUpThreshold   float64       `yaml:"scale_up_threshold" mapstructure:"scale_up_threshold" validate:"gt=0,lte=1"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold" mapstructure:"scale_down_threshold" validate:"gte=0,lte=1"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown" mapstructure:"scale_up_cooldown" validate:"gte=0"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown" mapstructure:"scale_down_cooldown" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	minHealth := int64(1)
	return Config{
		Name:            "default",
		MinShards:       1,
		MaxShards:       10,
		InitialShards:   2,
		MaxLoadPerShard: 100,
		Strategy:        StrategyAdaptiveHybrid,
		Hybrid: HybridWeights{
			Load:         0.3,
			ResponseTime: 0.3,
			Health:       0.2,
			Errors:       0.2,
		},
		HealthCheckInterval: 30 * time.Second,
		FailureLoadRatio:    0.95,
		MinHealthScore:      &minHealth,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		ScaleUpCooldown:     300 * time.Second,
		ScaleDownCooldown:   600 * time.Second,
	}
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MinShards == 0 {
		c.MinShards = d.MinShards
	}
	if c.MaxShards == 0 {
		c.MaxShards = d.MaxShards
	}
	if c.InitialShards == 0 {
		c.InitialShards = d.InitialShards
	}
	if c.MaxLoadPerShard == 0 {
		c.MaxLoadPerShard = d.MaxLoadPerShard
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Hybrid.isZero() {
		c.Hybrid = d.Hybrid
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.FailureLoadRatio == 0 {
		c.FailureLoadRatio = d.FailureLoadRatio
	}
	if c.MinHealthScore == nil {
		c.MinHealthScore = d.MinHealthScore
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.ScaleUpCooldown == 0 {
		c.ScaleUpCooldown = d.ScaleUpCooldown
	}
	if c.ScaleDownCooldown == 0 {
		c.ScaleDownCooldown = d.ScaleDownCooldown
	}
}

func (c *Config) minHealthScore() int64 {
	if c.MinHealthScore == nil {
		return 1
	}
	return *c.MinHealthScore
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validation.New()
	v.Merge("pool", validation.Validate(c))
	v.Custom(c.MinShards <= c.MaxShards, "pool.max_shards", "must be at least min_shards")
	v.Custom(c.InitialShards >= c.MinShards && c.InitialShards <= c.MaxShards,
		"pool.initial_shards", "must be between min_shards and max_shards")
	v.Custom(c.ScaleDownThreshold < c.ScaleUpThreshold,
		"pool.scale_down_threshold", "must be below scale_up_threshold")
	return v.Err()
}
