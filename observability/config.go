package observability

import (
	"fmt"
	"slices"
	"time"
)

// Supported metric exporters.
const (
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// Config configures metrics and tracing export.
type Config struct {
	// Exporter selects the metrics exporter: otlp, prometheus, stdout or none.
	Exporter string `yaml:"exporter" mapstructure:"exporter"`
	// Endpoint is the OTLP HTTP endpoint host:port.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// Insecure disables TLS for OTLP.
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`
	// Interval is the periodic export interval.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// MetricsAddr is the listen address of the /metrics endpoint (prometheus exporter).
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	// TracingEnabled turns on OTLP trace export.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// ApplyDefaults applies default values.
func (c *Config) ApplyDefaults() {
	if c.Exporter == "" {
		c.Exporter = ExporterNone
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4318"
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	valid := []string{ExporterOTLP, ExporterPrometheus, ExporterStdout, ExporterNone}
	if !slices.Contains(valid, c.Exporter) {
		return fmt.Errorf("observability.exporter must be one of %v (got: %s)", valid, c.Exporter)
	}
	return nil
}
