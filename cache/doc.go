// Package cache provides a three-tier in-memory cache for operation results.
//
// Entries live in one of three tiers chosen by priority on Put: Critical in
// Hot, High in L1, everything else in L2. Get checks Hot, then L1, then L2.
// An L2 hit is copied into L1 and an L1 hit that has been accessed
// HotThresholdAccesses times is copied into Hot. A full tier evicts the worst
// EvictionFraction of its entries by LRU, LFU, TLRU or adaptive ranking
// before accepting a new key.
//
// GetOrLoad collapses concurrent misses for one key into a single load:
//
//	key, _ := cache.Key("fhe.add", params)
//	out, err := c.GetOrLoad(ctx, key, cache.PriorityNormal, func(ctx context.Context) ([]byte, error) {
//	    return engine.Add(ctx, params)
//	})
//
// With WithSealer every stored payload is encrypted and bound to its key.
package cache
