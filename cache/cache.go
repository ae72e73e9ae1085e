package cache

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kbukum/fortify/clock"
	"github.com/kbukum/fortify/encryption"
	"github.com/kbukum/fortify/errors"
	"github.com/kbukum/fortify/logger"
	"github.com/kbukum/fortify/observability"
)

// adaptiveHitRatio is the hit ratio above which adaptive eviction uses LFU.
const adaptiveHitRatio = 0.8

// Option configures a MultiTierCache.
type Option func(*MultiTierCache)

// WithClock sets the time source for ages and TTLs.
func WithClock(c clock.Clock) Option {
	return func(m *MultiTierCache) { m.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *MultiTierCache) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics records lookups, evictions and tier sizes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *MultiTierCache) { m.metrics = metrics }
}

// WithTracer sets the tracer for GetOrLoad spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *MultiTierCache) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithSealer encrypts payloads at rest. Each payload is bound to its key.
func WithSealer(s encryption.Sealer) Option {
	return func(m *MultiTierCache) { m.sealer = s }
}

// MultiTierCache is an in-memory cache of byte payloads spread over a Hot,
// an L1 and an L2 tier, each with its own capacity and lock.
type MultiTierCache struct {
	config  Config
	clock   clock.Clock
	log     *logger.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	sealer  encryption.Sealer

	hot, l1, l2 *tier

	hits   atomic.Uint64
	misses atomic.Uint64
	loads  singleflight.Group
}

// New creates a multi-tier cache.
func New(cfg Config, opts ...Option) (*MultiTierCache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &MultiTierCache{
		config: cfg,
		clock:  clock.System(),
		log:    logger.Nop(),
		tracer: observability.Tracer(),
		hot:    newTier(TierHot, cfg.HotMaxEntries),
		l1:     newTier(TierL1, cfg.L1MaxEntries),
		l2:     newTier(TierL2, cfg.L2MaxEntries),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("cache")

	if err := c.metrics.RegisterGauge("fortify.cache.entries", "Entries per cache tier",
		func(observe func(int64, ...attribute.KeyValue)) {
			for _, t := range c.tiers() {
				observe(int64(t.size()), attribute.String("tier", string(t.name)))
			}
		}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MultiTierCache) tiers() []*tier {
	return []*tier{c.hot, c.l1, c.l2}
}

func (c *MultiTierCache) tierByName(name Tier) *tier {
	switch name {
	case TierHot:
		return c.hot
	case TierL1:
		return c.l1
	default:
		return c.l2
	}
}

// Get looks key up in Hot, L1 and L2 order. An L2 hit is copied into L1; an
// L1 hit whose access count reached HotThresholdAccesses is copied into Hot.
// Expired entries are removed and count as misses.
func (c *MultiTierCache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.clock.Now()

	for _, t := range c.tiers() {
		t.mu.Lock()
		e, ok := t.lookup(key, now)
		var hit entry
		if ok {
			hit = *e
		}
		t.mu.Unlock()

		c.metrics.RecordCacheLookup(ctx, string(t.name), ok)
		if !ok {
			continue
		}

		switch {
		case t.name == TierL2:
			c.promote(ctx, key, hit, c.l1, now)
		case t.name == TierL1 && hit.accessCount >= c.config.HotThresholdAccesses:
			c.promote(ctx, key, hit, c.hot, now)
		}

		data, err := c.open(key, hit.data)
		if err != nil {
			c.log.Warn("Dropping cache entry that failed to open", logger.Fields(
				logger.FieldTier, string(t.name),
				logger.FieldError, err.Error(),
			))
			c.Delete(key)
			break
		}
		c.hits.Add(1)
		return data, true
	}

	c.misses.Add(1)
	return nil, false
}

// promote copies an entry into dst under the dst lock, keeping its creation
// time so the TTL is unchanged. The copy was taken after the source lock was
// released, so it is dropped when dst already holds an entry for key that is
// no older, such as one written by a concurrent Put.
func (c *MultiTierCache) promote(ctx context.Context, key string, e entry, dst *tier, now time.Time) {
	dst.mu.Lock()
	if cur, ok := dst.entries[key]; ok && !cur.createdAt.Before(e.createdAt) {
		dst.mu.Unlock()
		return
	}
	evicted := dst.store(key, &e, c.strategy(), c.config.EvictionFraction, now)
	dst.mu.Unlock()

	c.recordEvictions(ctx, dst, evicted)
	c.log.Debug("Cache entry promoted", logger.Fields(logger.FieldTier, string(dst.name)))
}

// Put stores data with the default TTL in the tier implied by priority.
func (c *MultiTierCache) Put(ctx context.Context, key string, data []byte, priority Priority) error {
	return c.PutWithTTL(ctx, key, data, priority, c.config.DefaultTTL)
}

// PutWithTTL stores data in the tier implied by priority: Critical goes to
// Hot, High to L1 and the rest to L2. The key is removed from the other
// tiers. A full destination tier runs an eviction pass first. A ttl of zero
// or less uses DefaultTTL.
func (c *MultiTierCache) PutWithTTL(ctx context.Context, key string, data []byte, priority Priority, ttl time.Duration) error {
	if key == "" {
		return errors.InvalidInput("key", "must not be empty")
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	stored, err := c.seal(key, data)
	if err != nil {
		return errors.Internal(err)
	}

	now := c.clock.Now()
	e := &entry{
		data:        stored,
		createdAt:   now,
		accessedAt:  now,
		accessCount: 1,
		ttl:         ttl,
		priority:    priority,
	}

	dst := c.tierByName(tierFor(priority))
	for _, t := range c.tiers() {
		if t != dst {
			t.remove(key)
		}
	}

	dst.mu.Lock()
	evicted := dst.store(key, e, c.strategy(), c.config.EvictionFraction, now)
	dst.mu.Unlock()

	c.recordEvictions(ctx, dst, evicted)
	return nil
}

// Delete removes key from every tier. It reports whether key was present.
func (c *MultiTierCache) Delete(key string) bool {
	found := false
	for _, t := range c.tiers() {
		if t.remove(key) {
			found = true
		}
	}
	return found
}

// CleanupExpired removes expired entries from every tier and returns how
// many were removed.
func (c *MultiTierCache) CleanupExpired() int {
	now := c.clock.Now()
	removed := 0
	for _, t := range c.tiers() {
		removed += t.removeExpired(now)
	}
	return removed
}

// Preload stores every entry of items with the given priority.
func (c *MultiTierCache) Preload(ctx context.Context, items map[string][]byte, priority Priority) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := c.Put(ctx, k, items[k], priority); err != nil {
			return err
		}
	}
	c.log.Info("Cache preloaded", logger.Fields(
		"entries", len(keys),
		"priority", priority.String(),
	))
	return nil
}

// HitRatio returns hits over lookups across all Get calls, 0 before the
// first lookup.
func (c *MultiTierCache) HitRatio() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// strategy resolves adaptive eviction against the current hit ratio.
func (c *MultiTierCache) strategy() EvictionStrategy {
	if c.config.EvictionStrategy != EvictAdaptive {
		return c.config.EvictionStrategy
	}
	if c.HitRatio() > adaptiveHitRatio {
		return EvictLFU
	}
	return EvictTLRU
}

func (c *MultiTierCache) recordEvictions(ctx context.Context, t *tier, n int) {
	if n == 0 {
		return
	}
	c.metrics.RecordCacheEvictions(ctx, string(t.name), n)
	c.log.Debug("Cache tier evicted entries", logger.Fields(
		logger.FieldTier, string(t.name),
		"evicted", n,
	))
}

func (c *MultiTierCache) seal(key string, data []byte) ([]byte, error) {
	if c.sealer == nil {
		return slices.Clone(data), nil
	}
	return c.sealer.Seal(data, []byte(key))
}

func (c *MultiTierCache) open(key string, stored []byte) ([]byte, error) {
	if c.sealer == nil {
		return slices.Clone(stored), nil
	}
	return c.sealer.Open(stored, []byte(key))
}

// TierStats is a snapshot of one tier.
type TierStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats is a snapshot of the cache.
type Stats struct {
	Tiers    map[Tier]TierStats `json:"tiers"`
	Hits     uint64             `json:"hits"`
	Misses   uint64             `json:"misses"`
	HitRatio float64            `json:"hit_ratio"`
}

// Stats returns a snapshot of the cache.
func (c *MultiTierCache) Stats() Stats {
	st := Stats{
		Tiers:    make(map[Tier]TierStats, 3),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		HitRatio: c.HitRatio(),
	}
	for _, t := range c.tiers() {
		st.Tiers[t.name] = TierStats{
			Entries:   t.size(),
			Capacity:  t.maxEntries,
			Hits:      t.hits.Load(),
			Misses:    t.misses.Load(),
			Evictions: t.evictions.Load(),
		}
	}
	return st
}
