// Package resilience provides the fault-tolerance mechanisms that guard
// calls to expensive, failure-prone backends.
//
// This package includes:
//   - CircuitBreaker: five-state gate with adaptive failure threshold and slow-call detection
//   - RetryPolicy: retries transient failures with exponential backoff and jitter
//   - Bulkhead: bounds concurrent calls and waiting callers per operation class
//   - TokenBucket: lazily refilled token bucket used by the rate limiter
//   - Orchestrator: composes breaker, bulkhead and retry per operation ID
//
// Most callers only touch the Orchestrator:
//
//	o := resilience.NewOrchestrator(
//	    resilience.WithLogger(log),
//	    resilience.WithMetrics(metrics),
//	)
//	out, err := resilience.Execute(ctx, o, "llm_provider", func(ctx context.Context) ([]byte, error) {
//	    return client.Complete(ctx, prompt)
//	})
//
// Rejections are *errors.AppError values whose code names the mechanism
// (CIRCUIT_OPEN, BULKHEAD_FULL, BULKHEAD_TIMEOUT, RETRY_EXHAUSTED) so callers
// can tell overload from operation failure.
package resilience
