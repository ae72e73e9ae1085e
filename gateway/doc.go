// Package gateway composes the fortify mechanisms in front of a pool of
// backends.
//
// A Guard admits a request through the adaptive rate limiter, answers it
// from the multi-tier cache when it can, and otherwise runs the operation
// under the orchestrator's breaker, bulkhead and retry policies on a shard
// chosen by the resource pool. Results of successful runs are cached with
// the request priority.
//
//	guard, err := gateway.New(engines,
//	    gateway.WithLimiter(limiter),
//	    gateway.WithCache(results),
//	    gateway.WithOrchestrator(orch),
//	)
//	out, err := guard.Do(ctx, gateway.Request{
//	    ClientKey: ip,
//	    Operation: "fhe.add",
//	    Params:    params,
//	}, func(ctx context.Context, e *Engine) ([]byte, error) {
//	    return e.Add(ctx, params)
//	})
package gateway
