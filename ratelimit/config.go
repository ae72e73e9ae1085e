package ratelimit

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbukum/fortify/validation"
)

// Config configures the adaptive limiter.
type Config struct {
	// GlobalCapacity is the size of the bucket shared by every client.
	GlobalCapacity float64 `yaml:"global_capacity" mapstructure:"global_capacity" validate:"gt=0"`
	// GlobalRefillRate is tokens per second added to the global bucket.
	GlobalRefillRate float64 `yaml:"global_refill_rate" mapstructure:"global_refill_rate" validate:"gte=0"`
	// ClientCapacity is the per-client bucket size for a client in good standing.
	ClientCapacity float64 `yaml:"client_capacity" mapstructure:"client_capacity" validate:"gt=0"`
	// ClientRefillWindow is how long an empty client bucket takes to refill.
	ClientRefillWindow time.Duration `yaml:"client_refill_window" mapstructure:"client_refill_window" validate:"gt=0"`
	// RetentionWindow is how long an unblocked reputation survives its last violation.
	RetentionWindow time.Duration `yaml:"retention_window" mapstructure:"retention_window" validate:"gt=0"`
	// CleanupSchedule is the cron schedule of the sweeper.
	CleanupSchedule string `yaml:"cleanup_schedule" mapstructure:"cleanup_schedule" validate:"required"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalCapacity:     1000,
		GlobalRefillRate:   100,
		ClientCapacity:     100,
		ClientRefillWindow: time.Minute,
		RetentionWindow:    time.Hour,
		CleanupSchedule:    "@every 5m",
	}
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.GlobalCapacity == 0 {
		c.GlobalCapacity = d.GlobalCapacity
	}
	if c.GlobalRefillRate == 0 {
		c.GlobalRefillRate = d.GlobalRefillRate
	}
	if c.ClientCapacity == 0 {
		c.ClientCapacity = d.ClientCapacity
	}
	if c.ClientRefillWindow == 0 {
		c.ClientRefillWindow = d.ClientRefillWindow
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = d.RetentionWindow
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validation.New()
	v.Merge("rate_limit", validation.Validate(c))
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			v.AddError("rate_limit.cleanup_schedule", "must be a valid cron expression")
		}
	}
	return v.Err()
}
