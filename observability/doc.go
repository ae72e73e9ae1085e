// Package observability wires OpenTelemetry metrics and tracing.
//
// Metrics can be exported over OTLP/HTTP, exposed for Prometheus scraping, or
// written to stdout. Metrics holds the instruments recorded by the breaker,
// bulkhead, retry, rate limiter, cache and pool; every recording method is
// safe to call on a nil *Metrics.
package observability
