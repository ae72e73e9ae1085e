package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kbukum/fortify/observability"
)

type testConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`
	Cache         testCacheConfig `yaml:"cache" mapstructure:"cache"`
}

type testCacheConfig struct {
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	L1MaxEntries int           `mapstructure:"l1_max_entries"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestServiceConfigApplyDefaults(t *testing.T) {
	t.Run("empty environment defaults to development", func(t *testing.T) {
		cfg := ServiceConfig{Name: "fortify"}
		cfg.ApplyDefaults()
		if cfg.Environment != "development" {
			t.Errorf("expected 'development', got %q", cfg.Environment)
		}
		if !cfg.Debug {
			t.Error("expected debug=true for development")
		}
		if cfg.Logging.ServiceName != "fortify" {
			t.Errorf("expected logging service name to follow name, got %q", cfg.Logging.ServiceName)
		}
		if cfg.Observability.Exporter != observability.ExporterNone {
			t.Errorf("expected exporter none, got %q", cfg.Observability.Exporter)
		}
	})

	t.Run("production keeps debug false", func(t *testing.T) {
		cfg := ServiceConfig{Name: "fortify", Environment: "production"}
		cfg.ApplyDefaults()
		if cfg.Debug {
			t.Error("expected debug=false for production")
		}
	})
}

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr string
	}{
		{"valid", func(*ServiceConfig) {}, ""},
		{"missing name", func(c *ServiceConfig) { c.Name = "" }, "config.name is required"},
		{"bad environment", func(c *ServiceConfig) { c.Environment = "qa" }, "config.environment must be one of"},
		{"bad log level", func(c *ServiceConfig) { c.Logging.Level = "loud" }, "config.logging"},
		{"bad exporter", func(c *ServiceConfig) { c.Observability.Exporter = "statsd" }, "config.observability"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ServiceConfig{Name: "fortify"}
			cfg.ApplyDefaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestServiceConfigDerivesObservability(t *testing.T) {
	cfg := ServiceConfig{
		Name:          "fortify",
		Version:       "1.2.0",
		Environment:   "staging",
		Observability: observability.Config{Exporter: observability.ExporterStdout, SampleRate: 0.25},
	}
	cfg.ApplyDefaults()

	mc := cfg.MeterConfig()
	if mc.ServiceName != "fortify" || mc.ServiceVersion != "1.2.0" || mc.Exporter != observability.ExporterStdout {
		t.Errorf("unexpected meter config: %+v", mc)
	}
	tc := cfg.TracerConfig()
	if tc.SampleRate != 0.25 || tc.Environment != "staging" {
		t.Errorf("unexpected tracer config: %+v", tc)
	}
}

func TestLoadConfigWithYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", `
name: fortify
environment: staging
version: "1.0.0"
cache:
  default_ttl: 30m
  l1_max_entries: 500
`)

	var cfg testConfig
	if err := LoadConfig("fortify-test", &cfg, WithConfigFile(path), WithEnvFile(filepath.Join(dir, "missing.env"))); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := testCacheConfig{DefaultTTL: 30 * time.Minute, L1MaxEntries: 500}
	if diff := cmp.Diff(want, cfg.Cache); diff != "" {
		t.Errorf("cache section mismatch (-want +got):\n%s", diff)
	}
	if cfg.Name != "fortify" || cfg.Environment != "staging" {
		t.Errorf("unexpected service section: %+v", cfg.ServiceConfig)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", `
name: fortify
cache:
  default_ttl: 30m
  l1_max_entries: 500
`)
	t.Setenv("FORTIFYTEST_CACHE_DEFAULT_TTL", "2h")
	t.Setenv("FORTIFYTEST_ENVIRONMENT", "production")
	t.Setenv("OTHER_CACHE_L1_MAX_ENTRIES", "7")

	var cfg testConfig
	err := LoadConfig("fortify-test", &cfg,
		WithConfigFile(path),
		WithEnvFile(filepath.Join(dir, "missing.env")),
		WithEnvPrefix("FORTIFYTEST"),
	)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.DefaultTTL != 2*time.Hour {
		t.Errorf("expected env override of default_ttl, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Environment != "production" {
		t.Errorf("expected env override of environment, got %q", cfg.Environment)
	}
	if cfg.Cache.L1MaxEntries != 500 {
		t.Errorf("unprefixed variable should be ignored, got %d", cfg.Cache.L1MaxEntries)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", "name: fortify\n")
	envPath := writeFile(t, dir, ".env", "FORTIFYENV_VERSION=9.9.9\n")
	t.Cleanup(func() { os.Unsetenv("FORTIFYENV_VERSION") })

	var cfg testConfig
	err := LoadConfig("fortify-env", &cfg,
		WithConfigFile(path),
		WithEnvFile(envPath),
		WithEnvPrefix("FORTIFYENV"),
	)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Version != "9.9.9" {
		t.Errorf("expected version from .env, got %q", cfg.Version)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	var cfg testConfig
	err := LoadConfig("nonexistent-service", &cfg,
		WithConfigFile("/nonexistent/path.yml"),
		WithEnvFile("/nonexistent/.env"),
	)
	if err != nil {
		t.Fatalf("expected LoadConfig to succeed with missing file, got %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", "name: [unterminated\n")

	var cfg testConfig
	if err := LoadConfig("fortify", &cfg, WithConfigFile(path)); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

type mockFS struct {
	files map[string]bool
}

func (m *mockFS) Exists(path string) bool  { return m.files[path] }
func (m *mockFS) LoadEnv(path string) error { return nil }

func TestResolverSearchOrder(t *testing.T) {
	fs := &mockFS{files: map[string]bool{
		"./cmd/fortify/config.yml": true,
		"./config.yml":             true,
		"./.env":                   true,
	}}
	resolver := &Resolver{FileSystem: fs}
	files := resolver.ResolveFiles("fortify", LoaderConfig{})

	want := ResolvedFiles{ConfigFile: "./cmd/fortify/config.yml", EnvFile: "./.env"}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("resolved files mismatch (-want +got):\n%s", diff)
	}
}

func TestResolverExplicitPathsWin(t *testing.T) {
	resolver := &Resolver{FileSystem: &mockFS{files: map[string]bool{"./config.yml": true}}}
	files := resolver.ResolveFiles("fortify", LoaderConfig{ConfigFile: "/etc/fortify.yml", EnvFile: "/etc/fortify.env"})
	if files.ConfigFile != "/etc/fortify.yml" || files.EnvFile != "/etc/fortify.env" {
		t.Errorf("expected explicit paths, got %+v", files)
	}
}

func TestEnvKeyVariants(t *testing.T) {
	got := envKeyVariants("CACHE_DEFAULT_TTL")
	for _, want := range []string{"cache_default_ttl", "cache.default.ttl", "cache.default_ttl", "cache_default.ttl"} {
		found := false
		for _, v := range got {
			if v == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected variant %q in %v", want, got)
		}
	}

	if got := envKeyVariants("NAME"); len(got) != 1 || got[0] != "name" {
		t.Errorf("expected single variant, got %v", got)
	}
}

func TestEnvPrefix(t *testing.T) {
	if got := envPrefix("fortify-edge"); got != "FORTIFY_EDGE" {
		t.Errorf("expected FORTIFY_EDGE, got %q", got)
	}
}
