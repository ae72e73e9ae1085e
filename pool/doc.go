// Package pool routes calls across a set of backend shards.
//
// A Pool owns shards created by a Factory. Each shard tracks its in-flight
// load, a health score in [0, 100], an error count and a window of recent
// response times. SelectShard applies one of the strategies round_robin,
// least_connections, weighted_round_robin, response_time, consistent_hash or
// adaptive_hybrid over the shards whose health is at least MinHealthScore.
//
//	p, err := pool.New(ctx, cfg, func(ctx context.Context) (*Engine, error) {
//	    return NewEngine(ctx)
//	})
//	out, err := pool.Execute(ctx, p, key, func(ctx context.Context, e *Engine) ([]byte, error) {
//	    return e.Run(ctx, payload)
//	})
//
// HealthCheck and AutoScaler.Evaluate are normally driven by the component
// returned from NewMonitor.
package pool
