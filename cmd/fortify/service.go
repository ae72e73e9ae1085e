package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/fortify/cache"
	"github.com/kbukum/fortify/component"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/gateway"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
	"github.com/kbukum/fortify/pool"
	"github.com/kbukum/fortify/ratelimit"
	"github.com/kbukum/fortify/resilience"
)

// service holds the wired fortify mechanisms and their background workers.
type service struct {
	cfg *Config
	log *logger.Logger

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	limiter      *ratelimit.AdaptiveLimiter
	cache        *cache.MultiTierCache
	orchestrator *resilience.Orchestrator
	pool         *pool.Pool[*Evaluator]
	guard        *gateway.Guard[*Evaluator]
	server       *observability.MetricsServer

	components []component.Component
}

// newService builds every mechanism from cfg. Providers are installed
// globally so instruments and spans flow to the configured exporters.
func newService(ctx context.Context, cfg *Config, log *logger.Logger) (*service, error) {
	s := &service{cfg: cfg, log: log}

	mc := cfg.MeterConfig()
	mp, err := observability.InitMeter(ctx, &mc)
	if err != nil {
		return nil, fmt.Errorf("init meter: %w", err)
	}
	s.meterProvider = mp

	if cfg.Observability.TracingEnabled {
		tp, err := observability.InitTracer(ctx, cfg.TracerConfig())
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.tracerProvider = tp
	}

	metrics, err := observability.NewMetrics(observability.Meter())
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	s.orchestrator = resilience.NewOrchestrator(
		resilience.WithPolicies(cfg.Resilience.Policies),
		resilience.WithLogger(log),
		resilience.WithMetrics(metrics),
	)

	s.limiter = ratelimit.New(cfg.RateLimit,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(metrics),
	)

	sealer, err := cfg.Cache.Sealing.NewSealer()
	if err != nil {
		return nil, fmt.Errorf("create cache sealer: %w", err)
	}
	cacheOpts := []cache.Option{cache.WithLogger(log), cache.WithMetrics(metrics)}
	if sealer != nil {
		cacheOpts = append(cacheOpts, cache.WithSealer(sealer))
	}
	s.cache, err = cache.New(cfg.Cache, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	s.pool, err = pool.New(ctx, cfg.Pool, newEvaluatorFactory(cfg.Backend),
		pool.WithLogger(log),
		pool.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s.guard, err = gateway.New(s.pool,
		gateway.WithLimiter(s.limiter),
		gateway.WithCache(s.cache),
		gateway.WithOrchestrator(s.orchestrator),
		gateway.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	if err := s.buildComponents(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) buildComponents() error {
	limiterSweeper, err := ratelimit.NewSweeper(s.limiter, s.log)
	if err != nil {
		return fmt.Errorf("limiter sweeper: %w", err)
	}
	cacheSweeper, err := cache.NewSweeper(s.cache, s.log)
	if err != nil {
		return fmt.Errorf("cache sweeper: %w", err)
	}
	monitor, err := pool.NewMonitor(s.pool, pool.NewAutoScaler(s.pool), s.log)
	if err != nil {
		return fmt.Errorf("pool monitor: %w", err)
	}
	s.server = observability.NewMetricsServer(s.cfg.Observability.MetricsAddr, nil, s.status, s.log)

	s.components = []component.Component{limiterSweeper, cacheSweeper, monitor, s.server}
	return nil
}

// Status is the snapshot served on /status.
type Status struct {
	Resilience resilience.StatusReport `json:"resilience"`
	RateLimit  ratelimit.Stats         `json:"rate_limit"`
	Pool       pool.Stats              `json:"pool"`
	Cache      cache.Stats             `json:"cache"`
}

func (s *service) status() any {
	return Status{
		Resilience: s.orchestrator.Status(),
		RateLimit:  s.limiter.Stats(),
		Pool:       s.pool.Stats(),
		Cache:      s.cache.Stats(),
	}
}

// shutdown closes the pool and flushes the telemetry providers.
func (s *service) shutdown(ctx context.Context) error {
	s.pool.Close()

	var errs []error
	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if s.meterProvider != nil {
		if err := s.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

// simulationReport summarizes one simulation run.
type simulationReport struct {
	Requests  int
	Succeeded int
	Failures  map[errors.ErrorCode]int
	Elapsed   time.Duration
}

// simulate sends synthetic requests through the guard. Parameters repeat
// across a bounded space so the cache sees hits, and clients rotate so the
// limiter tracks several reputations.
func (s *service) simulate(ctx context.Context) (simulationReport, error) {
	sim := s.cfg.Simulation
	report := simulationReport{Requests: sim.Requests, Failures: make(map[errors.ErrorCode]int)}
	var mu sync.Mutex
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sim.Concurrency)
	for i := range sim.Requests {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			params := EvalParams{Op: "add", Operands: []int64{int64(i % sim.DistinctParams), 1}}
			req := gateway.Request{
				ClientKey: fmt.Sprintf("10.0.0.%d", i%sim.Clients+1),
				Operation: s.cfg.Backend.Operation,
				Params:    params,
				Priority:  priorityFor(i),
			}
			_, err := s.guard.Do(ctx, req, func(ctx context.Context, e *Evaluator) ([]byte, error) {
				return e.Evaluate(ctx, params)
			})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				report.Succeeded++
				return nil
			}
			code := errors.ErrorCode("UNKNOWN")
			if appErr, ok := errors.AsAppError(err); ok {
				code = appErr.Code
			}
			report.Failures[code]++
			return nil
		})
	}
	err := g.Wait()
	report.Elapsed = time.Since(start)
	return report, err
}

// priorityFor spreads requests over the cache tiers.
func priorityFor(i int) cache.Priority {
	switch {
	case i%20 == 0:
		return cache.PriorityCritical
	case i%5 == 0:
		return cache.PriorityHigh
	default:
		return cache.PriorityNormal
	}
}
