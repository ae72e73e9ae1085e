package pool

import (
	"hash/crc32"
	"math/rand/v2"
)

// pick chooses among eligible shards. all is the full shard list in
// creation order, used by consistent hashing for stable routing.
func (p *Pool[B]) pick(key string, all, eligible []*Shard[B]) *Shard[B] {
	switch p.config.Strategy {
	case StrategyRoundRobin:
		return p.roundRobin(eligible)
	case StrategyLeastConnections:
		return leastConnections(eligible)
	case StrategyWeightedRoundRobin:
		return p.weighted(eligible)
	case StrategyResponseTime:
		return fastestResponse(eligible)
	case StrategyConsistentHash:
		if key == "" {
			return p.roundRobin(eligible)
		}
		return p.consistentHash(key, all)
	default:
		return p.adaptiveHybrid(eligible)
	}
}

func (p *Pool[B]) roundRobin(eligible []*Shard[B]) *Shard[B] {
	n := p.rr.Add(1) - 1
	return eligible[n%uint64(len(eligible))]
}

func leastConnections[B any](eligible []*Shard[B]) *Shard[B] {
	best := eligible[0]
	for _, s := range eligible[1:] {
		if s.Load() < best.Load() {
			best = s
		}
	}
	return best
}

// weighted draws a shard at random in proportion to its weight.
func (p *Pool[B]) weighted(eligible []*Shard[B]) *Shard[B] {
	var total float64
	for _, s := range eligible {
		total += s.weight
	}
	if total <= 0 {
		return p.roundRobin(eligible)
	}

	r := rand.Float64() * total
	for _, s := range eligible {
		if r < s.weight {
			return s
		}
		r -= s.weight
	}
	return eligible[len(eligible)-1]
}

func fastestResponse[B any](eligible []*Shard[B]) *Shard[B] {
	best := eligible[0]
	bestRT := best.AvgResponseTime()
	for _, s := range eligible[1:] {
		if rt := s.AvgResponseTime(); rt < bestRT {
			best, bestRT = s, rt
		}
	}
	return best
}

// consistentHash routes key to crc32(key) mod N and walks forward to the
// next eligible shard when that one is unhealthy.
func (p *Pool[B]) consistentHash(key string, all []*Shard[B]) *Shard[B] {
	n := uint32(len(all))
	start := crc32.ChecksumIEEE([]byte(key)) % n
	for i := uint32(0); i < n; i++ {
		s := all[(start+i)%n]
		if p.eligible(s) {
			return s
		}
	}
	return nil
}

// adaptiveHybrid selects the shard with the lowest weighted score of load,
// mean response time in milliseconds, missing health and error count.
func (p *Pool[B]) adaptiveHybrid(eligible []*Shard[B]) *Shard[B] {
	best := eligible[0]
	bestScore := p.hybridScore(best)
	for _, s := range eligible[1:] {
		if score := p.hybridScore(s); score < bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

func (p *Pool[B]) hybridScore(s *Shard[B]) float64 {
	w := p.config.Hybrid
	rtMillis := float64(s.AvgResponseTime().Microseconds()) / 1000
	return float64(s.Load())*w.Load +
		rtMillis*w.ResponseTime +
		float64(maxHealth-s.Health())*w.Health +
		float64(s.Errors())*w.Errors
}
