package observability

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics_Noop(t *testing.T) {
	metrics, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error creating metrics: %v", err)
	}

	ctx := context.Background()
	metrics.RecordCall(ctx, "fhe_operations", OutcomeSuccess, 100*time.Millisecond)
	metrics.RecordRejection(ctx, "fhe_operations", "circuit_breaker")
	metrics.RecordBreakerTransition(ctx, "fhe_operations", "closed", "open")
	metrics.RecordRetry(ctx, "database_operations", 1)
	metrics.RecordRateLimit(ctx, "allowed")
	metrics.RecordCacheLookup(ctx, "l1", true)
	metrics.RecordCacheEvictions(ctx, "l2", 3)
	metrics.RecordShardSelection(ctx, "round_robin")
	metrics.RecordScale(ctx, "up")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordCall(ctx, "op", OutcomeFailure, time.Second)
	m.RecordRejection(ctx, "op", "bulkhead")
	m.RecordCacheLookup(ctx, "hot", false)
	if err := m.RegisterGauge("x", "y", func(func(int64, ...attribute.KeyValue)) {}); err != nil {
		t.Errorf("expected nil error on nil metrics, got %v", err)
	}
}

func TestMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	metrics, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	metrics.RecordCall(ctx, "op", OutcomeSuccess, time.Millisecond)
	metrics.RecordCall(ctx, "op", OutcomeFailure, time.Millisecond)
	metrics.RecordRejection(ctx, "op", "bulkhead")
	metrics.RecordCacheEvictions(ctx, "l2", 4)

	data := collect(t, reader)
	if got := sumOf(t, data["fortify.calls"]); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
	if got := sumOf(t, data["fortify.rejections"]); got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}
	if got := sumOf(t, data["fortify.cache.evictions"]); got != 4 {
		t.Errorf("expected 4 evictions, got %d", got)
	}
	if _, ok := data["fortify.call.duration"].(metricdata.Histogram[float64]); !ok {
		t.Errorf("expected duration histogram, got %T", data["fortify.call.duration"])
	}
}

func TestMetrics_RegisterGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	metrics, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	load := int64(7)
	err = metrics.RegisterGauge("fortify.pool.shard.load", "in-flight calls", func(observe func(int64, ...attribute.KeyValue)) {
		observe(load, attribute.String("shard", "a"))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := collect(t, reader)
	gauge, ok := data["fortify.pool.shard.load"].(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected int64 gauge, got %T", data["fortify.pool.shard.load"])
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 7 {
		t.Errorf("expected single data point of 7, got %+v", gauge.DataPoints)
	}
}

func TestNewMetricsReader(t *testing.T) {
	tests := []struct {
		name     string
		exporter string
		wantErr  bool
	}{
		{"none", ExporterNone, false},
		{"empty", "", false},
		{"stdout", ExporterStdout, false},
		{"prometheus", ExporterPrometheus, false},
		{"unknown", "carrier-pigeon", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultMeterConfig("test")
			cfg.Exporter = tc.exporter
			cfg.Writer = &bytes.Buffer{}
			reader, err := newMetricsReader(context.Background(), &cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("newMetricsReader() error = %v, wantErr %v", err, tc.wantErr)
			}
			if reader != nil {
				_ = reader.Shutdown(context.Background())
			}
		})
	}
}

func TestInitMeter_None(t *testing.T) {
	cfg := DefaultMeterConfig("test-service")
	mp, err := InitMeter(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mp.Shutdown(context.Background())

	if _, err := NewMetrics(Meter()); err != nil {
		t.Errorf("expected metrics on global meter, got %v", err)
	}
}

func TestDefaultTracerConfig(t *testing.T) {
	cfg := DefaultTracerConfig("test-service")
	if cfg.ServiceName != "test-service" {
		t.Errorf("expected ServiceName 'test-service', got %s", cfg.ServiceName)
	}
	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("expected Endpoint 'localhost:4318', got %s", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
}

func TestNewResource(t *testing.T) {
	res, err := newResource("fortify", "1.2.3", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := res.Set().Value(attribute.Key(AttrServiceName))
	if !ok || v.AsString() != "fortify" {
		t.Errorf("expected service.name=fortify, got %v", v.AsString())
	}
}

func TestEndSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), SpanExecute)
	EndSpan(span, stderrors.New("boom"))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Exporter != ExporterNone {
		t.Errorf("expected exporter none, got %s", cfg.Exporter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
	cfg.Exporter = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
