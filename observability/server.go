package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbukum/fortify/component"
	"github.com/kbukum/fortify/logger"
)

const metricsServerName = "metrics-server"

// StatusFunc returns a JSON-encodable snapshot served on /status.
type StatusFunc func() any

// HealthFunc returns the aggregated health served on /health.
type HealthFunc func(ctx context.Context) component.Report

// MetricsServer serves /metrics from a Prometheus gatherer, plus /health
// and an optional /status snapshot. It implements component.Component.
type MetricsServer struct {
	addr       string
	log        *logger.Logger
	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
	health     atomic.Pointer[HealthFunc]
}

var (
	_ component.Component   = (*MetricsServer)(nil)
	_ component.Describable = (*MetricsServer)(nil)
)

// NewMetricsServer creates a metrics server on addr. A nil gatherer uses
// the default Prometheus registry, where the prometheus exporter registers.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, status StatusFunc, log *logger.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &MetricsServer{
		addr: addr,
		log:  log.WithComponent(metricsServerName),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.serveHealth)
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, status())
		})
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ServeHealth makes /health report fn instead of a bare liveness answer.
// An unhealthy report is served with 503.
func (s *MetricsServer) ServeHealth(fn HealthFunc) {
	s.health.Store(&fn)
}

func (s *MetricsServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	fn := s.health.Load()
	if fn == nil || *fn == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(component.StatusHealthy)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	report := (*fn)(ctx)
	code := http.StatusOK
	if report.Status == component.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Name returns the component name.
func (s *MetricsServer) Name() string { return metricsServerName }

// Start binds the listener and serves in the background.
func (s *MetricsServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener
	s.running.Store(true)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Metrics server error", logger.Fields(logger.FieldError, err.Error()))
		}
		s.running.Store(false)
	}()

	s.log.Info("Metrics server started", logger.Fields("addr", listener.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests.
func (s *MetricsServer) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	s.running.Store(false)
	return nil
}

// Health reports whether the server is serving.
func (s *MetricsServer) Health(ctx context.Context) component.Health {
	if s.running.Load() {
		return component.Health{Name: metricsServerName, Status: component.StatusHealthy}
	}
	return component.Health{Name: metricsServerName, Status: component.StatusUnhealthy, Message: "not serving"}
}

// Describe returns the startup summary entry.
func (s *MetricsServer) Describe() component.Description {
	return component.Description{Name: "Metrics Server", Type: "server", Details: s.Addr() + "/metrics"}
}

// Addr returns the bound address once started, else the configured one.
func (s *MetricsServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
