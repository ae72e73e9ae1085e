package cache

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
)

// Loader produces the payload for a missing key.
type Loader func(ctx context.Context) ([]byte, error)

// GetOrLoad returns the cached payload for key, or runs load and stores its
// result with the given priority. Concurrent misses for the same key share
// one load. Load errors are returned and not cached.
func (c *MultiTierCache) GetOrLoad(ctx context.Context, key string, priority Priority, load Loader) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}
	return c.Load(ctx, key, priority, load)
}

// Load runs load for key and stores the result with the given priority,
// without a lookup first. Callers that already missed on Get use it so the
// miss is counted once. Concurrent loads for the same key share one run.
//
// The shared run is detached from the caller's cancellation and bounded by
// LoadTimeout instead; a caller whose ctx ends stops waiting and gets
// ctx.Err() while the others keep waiting for the result.
func (c *MultiTierCache) Load(ctx context.Context, key string, priority Priority, load Loader) ([]byte, error) {
	ch := c.loads.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.LoadTimeout)
		defer cancel()

		ctx, span := c.tracer.Start(ctx, observability.SpanCacheLoad)
		span.SetAttributes(attribute.String(observability.AttrCacheTier, string(tierFor(priority))))

		data, err := load(ctx)
		if err == nil {
			err = c.Put(ctx, key, data, priority)
		}
		observability.EndSpan(span, err)
		return data, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.log.Debug("Cache load failed", logger.Fields(logger.FieldError, res.Err.Error()))
			return nil, res.Err
		}
		if res.Shared {
			return slices.Clone(res.Val.([]byte)), nil
		}
		return res.Val.([]byte), nil
	}
}
