// Package ratelimit throttles callers with a global token bucket and one
// bucket per client key whose capacity shrinks as the client accumulates
// violations. Repeat offenders are blocked for escalating durations.
//
//	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithLogger(log))
//	if err := limiter.Allow(ctx, clientIP, 1); err != nil {
//	    return err // RATE_LIMITED or CLIENT_BLOCKED
//	}
//
// A Sweeper drops stale reputations and idle buckets on a cron schedule.
package ratelimit
