package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("failed to decode log line %q: %v", line, err)
	}
	return m
}

func TestNewDefault(t *testing.T) {
	l := NewDefault("test-svc")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.service != "test-svc" {
		t.Errorf("expected service 'test-svc', got %q", l.service)
	}
}

func TestNewInvalidLevel(t *testing.T) {
	l := New(&Config{Level: "invalid-level", Format: "json"}, "test")
	if l == nil {
		t.Fatal("expected logger to be created even with invalid level")
	}
}

func TestNewFromEnv(t *testing.T) {
	os.Setenv("FORTIFY_LOG_LEVEL", "debug")
	os.Setenv("FORTIFY_LOG_FORMAT", "json")
	defer os.Unsetenv("FORTIFY_LOG_LEVEL")
	defer os.Unsetenv("FORTIFY_LOG_FORMAT")

	if NewFromEnv("env-svc") == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestJSONOutput_ComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Format: "json"}, "fortify", &buf)

	l.WithComponent("breaker").Warn("circuit opened", Fields(FieldOperationID, "fhe_operations", FieldState, "open"))

	m := decodeLine(t, &buf)
	if m["message"] != "circuit opened" {
		t.Errorf("expected message 'circuit opened', got %v", m["message"])
	}
	if m[FieldComponent] != "breaker" {
		t.Errorf("expected component 'breaker', got %v", m[FieldComponent])
	}
	if m[FieldOperationID] != "fhe_operations" {
		t.Errorf("expected operation_id field, got %v", m[FieldOperationID])
	}
	if m["service"] != "fortify" {
		t.Errorf("expected service field, got %v", m["service"])
	}
	if m["level"] != "warn" {
		t.Errorf("expected level warn, got %v", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "warn", Format: "json"}, "svc", &buf)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
	l.Error("kept")
	if buf.Len() == 0 {
		t.Error("expected error to be written at warn level")
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Format: "json"}, "svc", &buf)

	l.WithError(fmt.Errorf("boom")).Error("failed")
	m := decodeLine(t, &buf)
	if m["error"] != "boom" {
		t.Errorf("expected error field 'boom', got %v", m["error"])
	}
}

func TestWithContext_AddsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Format: "json"}, "svc", &buf)
	l.WithContext(ctx).Info("traced")

	m := decodeLine(t, &buf)
	if m[FieldTraceID] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace id %s, got %v", span.SpanContext().TraceID(), m[FieldTraceID])
	}
}

func TestWithContext_NoSpan(t *testing.T) {
	l := NewDefault("test")
	if l.WithContext(context.Background()) != l {
		t.Error("expected the same logger when ctx carries no span")
	}
}

func TestNop(t *testing.T) {
	// must not panic
	Nop().WithComponent("x").Error("ignored", Fields("k", "v"))
}

func TestInit(t *testing.T) {
	Init(&Config{ServiceName: "fortify", Level: "info", Format: "console"})
	gl := GetGlobalLogger()
	if gl == nil {
		t.Fatal("expected global logger to be set after Init")
	}
	if gl.service != "fortify" {
		t.Errorf("expected service 'fortify', got %q", gl.service)
	}
}

func TestGetGlobalLoggerDefault(t *testing.T) {
	globalLogger = nil
	if GetGlobalLogger() == nil {
		t.Fatal("expected default global logger to be created")
	}
}

func TestSetGlobalLogger(t *testing.T) {
	l := NewDefault("custom")
	SetGlobalLogger(l)
	if GetGlobalLogger() != l {
		t.Error("expected SetGlobalLogger to set the global logger")
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	Init(&Config{Level: "debug", Format: "console", Output: "stdout"})
	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")
	Error("error msg")
	WithComponent("pool").Info("component msg")
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got %q", cfg.Level)
	}
	if cfg.Format != "console" {
		t.Errorf("expected format 'console', got %q", cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("expected output 'stdout', got %q", cfg.Output)
	}
	if !cfg.Timestamp {
		t.Error("expected Timestamp to be true")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Level: "info", Format: "json"}, false},
		{"valid console", Config{Level: "debug", Format: "console"}, false},
		{"invalid level", Config{Level: "bad", Format: "json"}, true},
		{"invalid format", Config{Level: "info", Format: "xml"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConsoleLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Format: "console", NoColor: true}, "fortify", &buf)
	l.Info("hello")
	if !strings.Contains(buf.String(), "[FOR][INF]") {
		t.Errorf("expected service and level tag, got %q", buf.String())
	}
}

func TestFields(t *testing.T) {
	tests := []struct {
		name     string
		input    []interface{}
		expected map[string]interface{}
	}{
		{"key-value pairs", []interface{}{"op", "save", "id", 42}, map[string]interface{}{"op": "save", "id": 42}},
		{"odd number of args", []interface{}{"op", "save", "trailing"}, map[string]interface{}{"op": "save"}},
		{"empty", []interface{}{}, map[string]interface{}{}},
		{"non-string key skipped", []interface{}{123, "value", "key", "val"}, map[string]interface{}{"key": "val"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Fields(tc.input...)
			if len(result) != len(tc.expected) {
				t.Errorf("expected %d fields, got %d", len(tc.expected), len(result))
			}
			for k, v := range tc.expected {
				if result[k] != v {
					t.Errorf("Fields[%q] = %v, expected %v", k, result[k], v)
				}
			}
		})
	}
}

func TestErrorFields(t *testing.T) {
	fields := ErrorFields("encrypt", fmt.Errorf("something broke"))
	if fields[FieldOperationID] != "encrypt" {
		t.Errorf("expected operation 'encrypt', got %v", fields[FieldOperationID])
	}
	if fields[FieldError] != "something broke" {
		t.Errorf("expected error 'something broke', got %v", fields[FieldError])
	}
}

func TestDurationFields(t *testing.T) {
	fields := DurationFields("query", 150*time.Millisecond)
	if fields[FieldDuration] != int64(150) {
		t.Errorf("expected duration 150, got %v", fields[FieldDuration])
	}
}
