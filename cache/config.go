package cache

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbukum/fortify/encryption"
	"github.com/kbukum/fortify/validation"
)

// EvictionStrategy chooses which entries leave a full tier.
type EvictionStrategy string

const (
	// EvictLRU evicts the least recently accessed entries.
	EvictLRU EvictionStrategy = "lru"
	// EvictLFU evicts the least frequently accessed entries.
	EvictLFU EvictionStrategy = "lfu"
	// EvictTLRU evicts by time since access divided by access count.
	EvictTLRU EvictionStrategy = "tlru"
	// EvictAdaptive uses LFU while the hit ratio is above 0.8 and TLRU otherwise.
	EvictAdaptive EvictionStrategy = "adaptive"
)

// SealingConfig enables encryption of stored payloads.
type SealingConfig struct {
	Enabled   bool                 `yaml:"enabled" mapstructure:"enabled"`
	Algorithm encryption.Algorithm `yaml:"algorithm" mapstructure:"algorithm" validate:"omitempty,oneof=chacha20-poly1305 aes-256-gcm"`
	Key       string               `yaml:"key" mapstructure:"key" validate:"required_if=Enabled true"`
}

// Config configures a multi-tier cache.
type Config struct {
	HotMaxEntries int `yaml:"hot_max_entries" mapstructure:"hot_max_entries" validate:"gt=0"`
	L1MaxEntries  int `yaml:"l1_max_entries" mapstructure:"l1_max_entries" validate:"gt=0"`
	L2MaxEntries  int `yaml:"l2_max_entries" mapstructure:"l2_max_entries" validate:"gt=0"`

	DefaultTTL       time.Duration    `yaml:"default_ttl" mapstructure:"default_ttl" validate:"gt=0"`
	EvictionStrategy EvictionStrategy `yaml:"eviction_strategy" mapstructure:"eviction_strategy" validate:"oneof=lru lfu tlru adaptive"`
	// HotThresholdAccesses is the L1 access count that promotes an entry to Hot.
	HotThresholdAccesses uint64 `yaml:"hot_threshold_accesses" mapstructure:"hot_threshold_accesses" validate:"gt=0"`
	// EvictionFraction is the share of a full tier removed by one eviction pass.
	EvictionFraction float64 `yaml:"eviction_fraction" mapstructure:"eviction_fraction" validate:"gt=0,lte=1"`
	CleanupSchedule  string  `yaml:"cleanup_schedule" mapstructure:"cleanup_schedule" validate:"required"`
	// LoadTimeout bounds a shared load. The load outlives the caller that
	// started it, so waiters are not failed by one cancellation.
	LoadTimeout time.Duration `yaml:"load_timeout" mapstructure:"load_timeout" validate:"gt=0"`

	Sealing SealingConfig `yaml:"sealing" mapstructure:"sealing"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HotMaxEntries:        100,
		L1MaxEntries:         1000,
		L2MaxEntries:         10000,
		DefaultTTL:           time.Hour,
		EvictionStrategy:     EvictAdaptive,
		HotThresholdAccesses: 10,
		EvictionFraction:     0.2,
		CleanupSchedule:      "@every 1m",
		LoadTimeout:          30 * time.Second,
		Sealing: SealingConfig{
			Algorithm: encryption.AlgorithmChaCha20,
		},
	}
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.HotMaxEntries == 0 {
		c.HotMaxEntries = d.HotMaxEntries
	}
	if c.L1MaxEntries == 0 {
		c.L1MaxEntries = d.L1MaxEntries
	}
	if c.L2MaxEntries == 0 {
		c.L2MaxEntries = d.L2MaxEntries
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.EvictionStrategy == "" {
		c.EvictionStrategy = d.EvictionStrategy
	}
	if c.HotThresholdAccesses == 0 {
		c.HotThresholdAccesses = d.HotThresholdAccesses
	}
	if c.EvictionFraction == 0 {
		c.EvictionFraction = d.EvictionFraction
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.Sealing.Algorithm == "" {
		c.Sealing.Algorithm = d.Sealing.Algorithm
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validation.New()
	v.Merge("cache", validation.Validate(c))
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			v.AddError("cache.cleanup_schedule", "must be a valid cron expression")
		}
	}
	return v.Err()
}

// NewSealer builds the sealer described by the sealing configuration, or
// returns nil when sealing is disabled.
func (c SealingConfig) NewSealer() (encryption.Sealer, error) {
	if !c.Enabled {
		return nil, nil
	}
	return encryption.New(c.Key, encryption.WithAlgorithm(c.Algorithm))
}
