package pool

import (
	"context"
	stderrors "errors"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kbukum/fortify/clock"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/observability"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeBackend struct {
	id      int
	pingErr error
	closed  atomic.Bool
}

func (b *fakeBackend) Ping(context.Context) error { return b.pingErr }

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func counterFactory() (Factory[*fakeBackend], *atomic.Int64) {
	var n atomic.Int64
	return func(context.Context) (*fakeBackend, error) {
		return &fakeBackend{id: int(n.Add(1))}, nil
	}, &n
}

func testConfig(strategy Strategy) Config {
	cfg := DefaultConfig()
	cfg.Name = "engines"
	cfg.Strategy = strategy
	cfg.MaxLoadPerShard = 10
	cfg.MaxShards = 4
	return cfg
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool[*fakeBackend], *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	factory, _ := counterFactory()
	p, err := New(context.Background(), cfg, factory, append([]Option{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error creating pool: %v", err)
	}
	return p, clk
}

func TestNew_CreatesInitialShards(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)

	shards := p.Shards()
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}
	seen := make(map[string]bool)
	for _, s := range shards {
		if s.ID == "" || seen[s.ID] {
			t.Errorf("expected unique shard id, got %q", s.ID)
		}
		seen[s.ID] = true
		if s.Health() != 100 {
			t.Errorf("expected new shard health 100, got %d", s.Health())
		}
		if s.Weight() != 1 {
			t.Errorf("expected default weight 1, got %v", s.Weight())
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	factory, _ := counterFactory()

	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 5
	if _, err := New(context.Background(), cfg, factory); err == nil {
		t.Error("expected error for initial shards above max")
	}

	cfg = testConfig("random")
	if _, err := New(context.Background(), cfg, factory); err == nil {
		t.Error("expected error for unknown strategy")
	}

	cfg = testConfig(StrategyRoundRobin)
	cfg.ScaleDownThreshold = 0.9
	if _, err := New(context.Background(), cfg, factory); err == nil {
		t.Error("expected error for scale down threshold above scale up threshold")
	}

	if _, err := New[*fakeBackend](context.Background(), testConfig(StrategyRoundRobin), nil); err == nil {
		t.Error("expected error for nil factory")
	}
}

func TestNew_FactoryErrorClosesCreatedShards(t *testing.T) {
	var created []*fakeBackend
	factory := func(context.Context) (*fakeBackend, error) {
		if len(created) == 1 {
			return nil, stderrors.New("gpu unavailable")
		}
		b := &fakeBackend{}
		created = append(created, b)
		return b, nil
	}

	_, err := New(context.Background(), testConfig(StrategyRoundRobin), factory)
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeExternalService {
		t.Fatalf("expected external service error, got %v", err)
	}
	if !created[0].closed.Load() {
		t.Error("expected already created backend to be closed")
	}
}

func TestSelectShard_RoundRobin(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	for i := 0; i < 6; i++ {
		s, err := p.SelectShard("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s != shards[i%3] {
			t.Errorf("selection %d: expected shard %d", i, i%3)
		}
	}
}

func TestSelectShard_LeastConnections(t *testing.T) {
	cfg := testConfig(StrategyLeastConnections)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	shards[0].acquire()
	shards[0].acquire()
	shards[1].acquire()

	s, _ := p.SelectShard("")
	if s != shards[2] {
		t.Error("expected the idle shard to be selected")
	}
}

func TestSelectShard_WeightedRoundRobin(t *testing.T) {
	cfg := testConfig(StrategyWeightedRoundRobin)
	cfg.Weights = []float64{0, 1}
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	for i := 0; i < 50; i++ {
		s, _ := p.SelectShard("")
		if s != shards[1] {
			t.Fatal("expected zero weight shard never to be drawn")
		}
	}
}

func TestSelectShard_ResponseTime(t *testing.T) {
	cfg := testConfig(StrategyResponseTime)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	shards[0].record(50*time.Millisecond, nil)
	shards[1].record(10*time.Millisecond, nil)
	shards[1].record(20*time.Millisecond, nil)
	shards[2].record(40*time.Millisecond, nil)

	s, _ := p.SelectShard("")
	if s != shards[1] {
		t.Errorf("expected fastest shard, got avg %v", s.AvgResponseTime())
	}
	if got := shards[1].AvgResponseTime(); got != 15*time.Millisecond {
		t.Errorf("expected avg 15ms, got %v", got)
	}
}

func TestSelectShard_ConsistentHash(t *testing.T) {
	cfg := testConfig(StrategyConsistentHash)
	cfg.InitialShards = 4
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	key := "session-42"
	want := int(crc32.ChecksumIEEE([]byte(key)) % 4)

	for i := 0; i < 5; i++ {
		s, _ := p.SelectShard(key)
		if s != shards[want] {
			t.Fatalf("expected key to route to shard %d", want)
		}
	}

	shards[want].adjustHealth(-100)
	s, _ := p.SelectShard(key)
	if s != shards[(want+1)%4] {
		t.Error("expected unhealthy shard to be skipped to the next one")
	}
}

func TestSelectShard_AdaptiveHybrid(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyAdaptiveHybrid))
	shards := p.Shards()

	if s, _ := p.SelectShard(""); s != shards[0] {
		t.Error("expected first shard on a tie")
	}

	shards[0].record(0, stderrors.New("boom"))
	if s, _ := p.SelectShard(""); s != shards[1] {
		t.Error("expected shard with errors to be avoided")
	}

	shards[1].acquire()
	shards[1].acquire()
	shards[1].adjustHealth(-20)
	if s, _ := p.SelectShard(""); s != shards[0] {
		t.Error("expected loaded unhealthy shard to be avoided")
	}
}

func TestSelectShard_NoEligibleShard(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyRoundRobin))
	for _, s := range p.Shards() {
		s.adjustHealth(-100)
	}

	_, err := p.SelectShard("")
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
	if errors.MechanismOf(err) != errors.MechanismPool {
		t.Errorf("expected pool mechanism, got %q", errors.MechanismOf(err))
	}
	if errors.KindOf(err) != errors.KindResourceExhaustion {
		t.Errorf("expected resource exhaustion kind, got %v", errors.KindOf(err))
	}
}

func TestExecute_TracksLoadAndOutcome(t *testing.T) {
	p, clk := newTestPool(t, testConfig(StrategyRoundRobin))
	ctx := context.Background()

	out, err := Execute(ctx, p, "", func(_ context.Context, b *fakeBackend) (int, error) {
		s := p.Shards()[0]
		if s.Load() != 1 {
			t.Errorf("expected load 1 during call, got %d", s.Load())
		}
		clk.Advance(30 * time.Millisecond)
		return b.id, nil
	})
	if err != nil || out != 1 {
		t.Fatalf("expected backend 1, got %d, %v", out, err)
	}

	s := p.Shards()[0]
	if s.Load() != 0 {
		t.Errorf("expected load released, got %d", s.Load())
	}
	if s.Calls() != 1 || s.Errors() != 0 {
		t.Errorf("expected 1 call and no errors, got %d/%d", s.Calls(), s.Errors())
	}
	if s.AvgResponseTime() != 30*time.Millisecond {
		t.Errorf("expected 30ms response time, got %v", s.AvgResponseTime())
	}

	boom := stderrors.New("boom")
	err = p.Do(ctx, "", func(context.Context, *fakeBackend) error { return boom })
	if !stderrors.Is(err, boom) {
		t.Errorf("expected error passed through unchanged, got %v", err)
	}
	if p.Shards()[1].Errors() != 1 {
		t.Error("expected error recorded on the second shard")
	}
}

func TestExecute_CancellationNotCounted(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyRoundRobin))

	_ = p.Do(context.Background(), "", func(context.Context, *fakeBackend) error {
		return context.Canceled
	})
	s := p.Shards()[0]
	if s.Calls() != 1 || s.Errors() != 0 {
		t.Errorf("expected cancelled call not to count as error, got %d/%d", s.Calls(), s.Errors())
	}
}

func TestExecute_Concurrent(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyLeastConnections))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), "", func(context.Context, *fakeBackend) error { return nil })
		}()
	}
	wg.Wait()

	var calls uint64
	for _, s := range p.Shards() {
		if s.Load() != 0 {
			t.Errorf("expected no load after calls, got %d", s.Load())
		}
		calls += s.Calls()
	}
	if calls != 50 {
		t.Errorf("expected 50 calls, got %d", calls)
	}
}

func TestShard_ResponseWindowBounded(t *testing.T) {
	s := newShard(&fakeBackend{}, 1, 10)
	for i := 0; i < responseTimeWindow; i++ {
		s.record(time.Second, nil)
	}
	for i := 0; i < responseTimeWindow; i++ {
		s.record(time.Millisecond, nil)
	}
	if s.AvgResponseTime() != time.Millisecond {
		t.Errorf("expected old samples to be overwritten, got %v", s.AvgResponseTime())
	}
	if len(s.responses) != responseTimeWindow {
		t.Errorf("expected window of %d, got %d", responseTimeWindow, len(s.responses))
	}
}

func TestHealthCheck_Scoring(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()
	ctx := context.Background()

	shards[0].adjustHealth(-50)
	for i := 0; i < 10; i++ {
		shards[1].acquire()
	}
	shards[2].backend.pingErr = stderrors.New("engine wedged")

	results := p.HealthCheck(ctx)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if !results[0].Healthy || shards[0].Health() != 55 {
		t.Errorf("expected passing shard to gain 5, got %d", shards[0].Health())
	}
	if results[1].Healthy || results[1].Error != "overloaded" || shards[1].Health() != 90 {
		t.Errorf("expected overloaded shard to lose 10, got %+v", results[1])
	}
	if results[2].Healthy || results[2].Error != "engine wedged" || shards[2].Health() != 90 {
		t.Errorf("expected failing ping to lose 10, got %+v", results[2])
	}

	for i := 0; i < 20; i++ {
		p.HealthCheck(ctx)
	}
	if shards[0].Health() != 100 {
		t.Errorf("expected health capped at 100, got %d", shards[0].Health())
	}
	if shards[2].Health() != 0 {
		t.Errorf("expected health floored at 0, got %d", shards[2].Health())
	}
	if len(p.HealthHistory()) != 63 {
		t.Errorf("expected 63 history entries, got %d", len(p.HealthHistory()))
	}
}

func TestHealthCheck_LoadAtThresholdPasses(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.MaxLoadPerShard = 20
	p, _ := newTestPool(t, cfg)
	s := p.Shards()[0]
	for i := 0; i < 19; i++ {
		s.acquire()
	}
	s.adjustHealth(-10)

	results := p.HealthCheck(context.Background())
	if !results[0].Healthy {
		t.Errorf("expected load ratio 0.95 to pass, got %+v", results[0])
	}
}

func TestHealthCheck_HistoryBounded(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 4
	p, _ := newTestPool(t, cfg)

	for i := 0; i < 300; i++ {
		p.HealthCheck(context.Background())
	}
	if got := len(p.HealthHistory()); got != maxHealthHistory {
		t.Errorf("expected %d history entries, got %d", maxHealthHistory, got)
	}
}

func TestHealthCheck_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	p, _ := newTestPool(t, testConfig(StrategyRoundRobin), WithTracer(tp.Tracer("test")))

	p.HealthCheck(context.Background())

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != observability.SpanPoolHealth {
		t.Fatalf("expected one health check span, got %d", len(spans))
	}
}

func TestAutoScaler_ScalesWithCooldowns(t *testing.T) {
	p, clk := newTestPool(t, testConfig(StrategyLeastConnections))
	scaler := NewAutoScaler(p)
	ctx := context.Background()
	shards := p.Shards()

	for _, s := range shards {
		for i := 0; i < 9; i++ {
			s.acquire()
		}
	}

	action, err := scaler.Evaluate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Direction != ScaleUp || action.Shards != 3 || p.Len() != 3 {
		t.Fatalf("expected scale up to 3 shards, got %+v", action)
	}

	for _, s := range shards {
		for i := 0; i < 9; i++ {
			s.release()
		}
	}

	clk.Advance(599 * time.Second)
	if action, _ := scaler.Evaluate(ctx); action.Direction != ScaleNone {
		t.Errorf("expected scale down cooldown to hold, got %+v", action)
	}

	clk.Advance(2 * time.Second)
	action, _ = scaler.Evaluate(ctx)
	if action.Direction != ScaleDown || p.Len() != 2 {
		t.Errorf("expected scale down to 2 shards, got %+v", action)
	}
	if p.Stats().LastScale.Direction != ScaleDown {
		t.Error("expected last scale action in stats")
	}

	clk.Advance(601 * time.Second)
	action, _ = scaler.Evaluate(ctx)
	if action.Direction != ScaleDown || p.Len() != 1 {
		t.Errorf("expected scale down to 1 shard, got %+v", action)
	}

	clk.Advance(601 * time.Second)
	if action, _ := scaler.Evaluate(ctx); action.Direction != ScaleNone || p.Len() != 1 {
		t.Errorf("expected pool to stay at min shards, got %+v", action)
	}
}

func TestAutoScaler_RespectsMaxShards(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.MaxShards = 2
	p, clk := newTestPool(t, cfg)
	scaler := NewAutoScaler(p)

	for _, s := range p.Shards() {
		for i := 0; i < 10; i++ {
			s.acquire()
		}
	}
	clk.Advance(time.Hour)
	if action, _ := scaler.Evaluate(context.Background()); action.Direction != ScaleNone || p.Len() != 2 {
		t.Errorf("expected no scale beyond max shards, got %+v", action)
	}
}

func TestAutoScaler_RemovesLeastLoadedAndCloses(t *testing.T) {
	cfg := testConfig(StrategyRoundRobin)
	cfg.InitialShards = 3
	p, _ := newTestPool(t, cfg)
	shards := p.Shards()

	shards[0].acquire()
	shards[2].acquire()

	action, err := NewAutoScaler(p).Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Direction != ScaleDown || action.ShardID != shards[1].ID {
		t.Fatalf("expected idle shard removed, got %+v", action)
	}
	if !shards[1].backend.closed.Load() {
		t.Error("expected removed backend to be closed")
	}
	for _, s := range p.Shards() {
		if s == shards[1] {
			t.Error("expected removed shard to leave rotation")
		}
	}
}

func TestAutoScaler_FactoryError(t *testing.T) {
	calls := 0
	factory := func(context.Context) (*fakeBackend, error) {
		calls++
		if calls > 2 {
			return nil, stderrors.New("quota exceeded")
		}
		return &fakeBackend{}, nil
	}
	p, err := New(context.Background(), testConfig(StrategyRoundRobin), factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range p.Shards() {
		for i := 0; i < 10; i++ {
			s.acquire()
		}
	}

	if _, err := NewAutoScaler(p).Evaluate(context.Background()); err == nil {
		t.Error("expected factory error to surface")
	}
	if p.Len() != 2 {
		t.Errorf("expected pool unchanged, got %d shards", p.Len())
	}
}

func TestMonitor_RunsHealthCheckAndScale(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyRoundRobin))
	mon, err := NewMonitor(p, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mon.Name() != "pool-monitor-engines" {
		t.Errorf("unexpected monitor name %q", mon.Name())
	}
	if d := mon.Describe(); d.Details != "@every 30s" {
		t.Errorf("unexpected schedule %q", d.Details)
	}

	if err := mon.RunNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.HealthHistory()) != 2 {
		t.Errorf("expected health check to run, got %d results", len(p.HealthHistory()))
	}
	if p.Len() != 1 {
		t.Errorf("expected idle pool to scale down, got %d shards", p.Len())
	}
}

func TestStats(t *testing.T) {
	p, _ := newTestPool(t, testConfig(StrategyAdaptiveHybrid))
	shards := p.Shards()
	shards[0].acquire()
	shards[0].acquire()
	shards[1].adjustHealth(-30)

	st := p.Stats()
	if st.Name != "engines" || st.Strategy != StrategyAdaptiveHybrid {
		t.Errorf("unexpected identity %+v", st)
	}
	if len(st.Shards) != 2 || st.TotalLoad != 2 || st.TotalCapacity != 20 {
		t.Errorf("unexpected totals %+v", st)
	}
	if st.AverageLoadRatio != 0.1 {
		t.Errorf("expected average load 0.1, got %v", st.AverageLoadRatio)
	}
	if st.AverageHealth != 85 {
		t.Errorf("expected average health 85, got %d", st.AverageHealth)
	}
}

func TestPool_Gauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := newTestPool(t, testConfig(StrategyRoundRobin), WithMetrics(metrics))
	_ = p.Do(context.Background(), "", func(context.Context, *fakeBackend) error { return nil })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name == "fortify.pool.shard.health" {
				g := m.Data.(metricdata.Gauge[int64])
				if len(g.DataPoints) != 2 {
					t.Errorf("expected a health point per shard, got %d", len(g.DataPoints))
				}
			}
		}
	}
	for _, name := range []string{"fortify.pool.shard.load", "fortify.pool.shard.health", "fortify.pool.selections"} {
		if !found[name] {
			t.Errorf("expected metric %s", name)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Strategy != StrategyAdaptiveHybrid || cfg.Hybrid.Load != 0.3 || cfg.FailureLoadRatio != 0.95 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.ScaleUpCooldown != 5*time.Minute || cfg.ScaleDownCooldown != 10*time.Minute {
		t.Errorf("unexpected cooldowns %v/%v", cfg.ScaleUpCooldown, cfg.ScaleDownCooldown)
	}
}

func TestConfig_ExplicitZeroMinHealthScore(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.MinHealthScore == nil || *cfg.MinHealthScore != 1 {
		t.Fatalf("expected default min health score 1, got %v", cfg.MinHealthScore)
	}

	zero := int64(0)
	cfg = testConfig(StrategyRoundRobin)
	cfg.MinHealthScore = &zero
	cfg.ApplyDefaults()
	if *cfg.MinHealthScore != 0 {
		t.Fatalf("expected explicit 0 to survive defaults, got %d", *cfg.MinHealthScore)
	}

	p, _ := newTestPool(t, cfg)
	for _, s := range p.Shards() {
		s.adjustHealth(-100)
	}
	if _, err := p.SelectShard(""); err != nil {
		t.Errorf("expected exhausted shards to stay selectable with min health 0, got %v", err)
	}
}
