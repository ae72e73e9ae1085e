package config

import (
	"fmt"
	"slices"

	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
)

// Environments accepted by ServiceConfig.Validate.
var environments = []string{"development", "staging", "production"}

// ServiceConfig contains the fields every fortify process needs. Binaries
// embed it next to their domain sections.
//
// Example:
//
//	type Config struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Cache cache.Config   `yaml:"cache" mapstructure:"cache"`
//	}
type ServiceConfig struct {
	Name          string               `yaml:"name" mapstructure:"name"`
	Environment   string               `yaml:"environment" mapstructure:"environment"`
	Version       string               `yaml:"version" mapstructure:"version"`
	Debug         bool                 `yaml:"debug" mapstructure:"debug"`
	Logging       logger.Config        `yaml:"logging" mapstructure:"logging"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// GetServiceConfig returns the base ServiceConfig. The method is promoted
// through embedding, so embedding structs satisfy bootstrap.Config.
func (c *ServiceConfig) GetServiceConfig() *ServiceConfig {
	return c
}

// ApplyDefaults applies default values to the base configuration.
// Embedding structs override it and call c.ServiceConfig.ApplyDefaults() first.
func (c *ServiceConfig) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Environment == "development" {
		c.Debug = true
	}
	if c.Version == "" {
		c.Version = "0.0.0"
	}
	if c.Logging.ServiceName == "" && c.Name != "" {
		c.Logging.ServiceName = c.Name
	}
	c.Logging.ApplyDefaults()
	c.Observability.ApplyDefaults()
}

// Validate validates the base configuration fields.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config.name is required")
	}
	if !slices.Contains(environments, c.Environment) {
		return fmt.Errorf("config.environment must be one of %v (got: %s)", environments, c.Environment)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config.logging: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("config.observability: %w", err)
	}
	return nil
}

// MeterConfig derives the meter settings for this service.
func (c *ServiceConfig) MeterConfig() observability.MeterConfig {
	return observability.MeterConfig{
		ServiceName:    c.Name,
		ServiceVersion: c.Version,
		Environment:    c.Environment,
		Exporter:       c.Observability.Exporter,
		Endpoint:       c.Observability.Endpoint,
		Insecure:       c.Observability.Insecure,
		Interval:       c.Observability.Interval,
	}
}

// TracerConfig derives the tracer settings for this service.
func (c *ServiceConfig) TracerConfig() observability.TracerConfig {
	tc := observability.DefaultTracerConfig(c.Name)
	tc.ServiceVersion = c.Version
	tc.Environment = c.Environment
	tc.Endpoint = c.Observability.Endpoint
	tc.Insecure = c.Observability.Insecure
	tc.SampleRate = c.Observability.SampleRate
	return tc
}
