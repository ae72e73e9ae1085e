package cache

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Tier names a cache level. Lookups run Hot, then L1, then L2.
type Tier string

const (
	TierHot Tier = "hot"
	TierL1  Tier = "l1"
	TierL2  Tier = "l2"
)

// Priority routes a Put to a tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// tierFor returns the tier a priority is stored in.
func tierFor(p Priority) Tier {
	switch p {
	case PriorityCritical:
		return TierHot
	case PriorityHigh:
		return TierL1
	default:
		return TierL2
	}
}

type entry struct {
	data        []byte
	createdAt   time.Time
	accessedAt  time.Time
	accessCount uint64
	ttl         time.Duration
	priority    Priority
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// tier is one cache level guarded by its own lock.
type tier struct {
	name       Tier
	maxEntries int

	mu      sync.Mutex
	entries map[string]*entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newTier(name Tier, maxEntries int) *tier {
	return &tier{
		name:       name,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

// lookup returns the entry for key, touching it on a hit. An expired entry
// is removed and reported as a miss. Must be called with lock held.
func (t *tier) lookup(key string, now time.Time) (*entry, bool) {
	e, ok := t.entries[key]
	if !ok {
		t.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		delete(t.entries, key)
		t.misses.Add(1)
		return nil, false
	}
	e.accessedAt = now
	e.accessCount++
	t.hits.Add(1)
	return e, true
}

// store inserts e under key, evicting first when the tier is full. It
// returns the number of evicted entries. Must be called with lock held.
func (t *tier) store(key string, e *entry, strategy EvictionStrategy, fraction float64, now time.Time) int {
	evicted := 0
	if _, exists := t.entries[key]; !exists && len(t.entries) >= t.maxEntries {
		evicted = t.evict(strategy, fraction, now)
	}
	t.entries[key] = e
	return evicted
}

func (t *tier) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

func (t *tier) removeExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

func (t *tier) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

type candidate struct {
	key string
	e   *entry
}

// evict removes max(1, len × fraction) entries ranked worst first by
// strategy. strategy must already be resolved from adaptive. Must be called
// with lock held.
func (t *tier) evict(strategy EvictionStrategy, fraction float64, now time.Time) int {
	if len(t.entries) == 0 {
		return 0
	}
	n := max(1, int(float64(len(t.entries))*fraction))

	candidates := make([]candidate, 0, len(t.entries))
	for key, e := range t.entries {
		candidates = append(candidates, candidate{key: key, e: e})
	}
	slices.SortFunc(candidates, worstFirst(strategy, now))

	for _, c := range candidates[:n] {
		delete(t.entries, c.key)
	}
	t.evictions.Add(uint64(n))
	return n
}

// worstFirst orders candidates so that those to evict come first. Ties fall
// back to the oldest access, then the key, to keep passes deterministic.
func worstFirst(strategy EvictionStrategy, now time.Time) func(a, b candidate) int {
	byAccess := func(a, b candidate) int {
		if c := a.e.accessedAt.Compare(b.e.accessedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	}

	switch strategy {
	case EvictLFU:
		return func(a, b candidate) int {
			if c := cmp.Compare(a.e.accessCount, b.e.accessCount); c != 0 {
				return c
			}
			return byAccess(a, b)
		}
	case EvictTLRU:
		return func(a, b candidate) int {
			// Highest score first.
			if c := cmp.Compare(tlruScore(b.e, now), tlruScore(a.e, now)); c != 0 {
				return c
			}
			return byAccess(a, b)
		}
	default:
		return byAccess
	}
}

// tlruScore grows with time since last access and shrinks with use.
func tlruScore(e *entry, now time.Time) float64 {
	idle := now.Sub(e.accessedAt).Seconds()
	return idle * 1000 / float64(e.accessCount+1)
}
