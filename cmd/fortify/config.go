package main

import (
	"time"

	"github.com/kbukum/fortify/cache"
	"github.com/kbukum/fortify/config"
	"github.com/kbukum/fortify/pool"
	"github.com/kbukum/fortify/ratelimit"
	"github.com/kbukum/fortify/resilience"
	"github.com/kbukum/fortify/validation"
)

// Config is the fortify service configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Resilience resilience.Config `yaml:"resilience" mapstructure:"resilience"`
	RateLimit  ratelimit.Config  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Pool       pool.Config       `yaml:"pool" mapstructure:"pool"`
	Cache      cache.Config      `yaml:"cache" mapstructure:"cache"`
	Backend    BackendConfig     `yaml:"backend" mapstructure:"backend"`
	Simulation SimulationConfig  `yaml:"simulation" mapstructure:"simulation"`
}

// BackendConfig shapes the simulated evaluator backends.
type BackendConfig struct {
	// Operation is the orchestrator policy the evaluators run under.
	Operation   string        `yaml:"operation" mapstructure:"operation" validate:"required"`
	Latency     time.Duration `yaml:"latency" mapstructure:"latency" validate:"gte=0"`
	FailureRate float64       `yaml:"failure_rate" mapstructure:"failure_rate" validate:"gte=0,lte=1"`
}

// SimulationConfig drives synthetic traffic through the guard.
type SimulationConfig struct {
	Requests    int `yaml:"requests" mapstructure:"requests" validate:"gte=0"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	Clients     int `yaml:"clients" mapstructure:"clients" validate:"gte=1"`
	// DistinctParams bounds the parameter space so repeats hit the cache.
	DistinctParams int `yaml:"distinct_params" mapstructure:"distinct_params" validate:"gte=1"`
}

// ApplyDefaults applies defaults to every section.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = serviceName
	}
	c.ServiceConfig.ApplyDefaults()
	c.Resilience.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Pool.ApplyDefaults()
	c.Cache.ApplyDefaults()

	if c.Backend.Operation == "" {
		c.Backend.Operation = "fhe_operations"
	}
	if c.Backend.Latency == 0 {
		c.Backend.Latency = 5 * time.Millisecond
	}
	if c.Simulation.Concurrency == 0 {
		c.Simulation.Concurrency = 16
	}
	if c.Simulation.Clients == 0 {
		c.Simulation.Clients = 8
	}
	if c.Simulation.DistinctParams == 0 {
		c.Simulation.DistinctParams = 50
	}
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	v := validation.New()
	v.Merge("resilience", c.Resilience.Validate())
	// These sections prefix their own fields.
	v.Merge("", c.RateLimit.Validate())
	v.Merge("", c.Pool.Validate())
	v.Merge("", c.Cache.Validate())
	v.Merge("backend", validation.Validate(c.Backend))
	v.Merge("simulation", validation.Validate(c.Simulation))
	return v.Err()
}
