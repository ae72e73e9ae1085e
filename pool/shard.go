package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	maxHealth          = 100
	healthRecovery     = 5
	healthPenalty      = 10
	responseTimeWindow = 100
)

// Pinger is implemented by backends that can be pinged during health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Shard is one backend execution unit of a pool.
type Shard[B any] struct {
	ID      string
	backend B
	weight  float64
	maxLoad int64

	load   atomic.Int64
	health atomic.Int64
	errors atomic.Uint64
	calls  atomic.Uint64

	mu        sync.Mutex
	responses []time.Duration
	next      int
}

func newShard[B any](backend B, weight float64, maxLoad int64) *Shard[B] {
	s := &Shard[B]{
		ID:        uuid.NewString(),
		backend:   backend,
		weight:    weight,
		maxLoad:   maxLoad,
		responses: make([]time.Duration, 0, responseTimeWindow),
	}
	s.health.Store(maxHealth)
	return s
}

// Backend returns the backend the shard wraps.
func (s *Shard[B]) Backend() B { return s.backend }

// Load returns the number of in-flight calls.
func (s *Shard[B]) Load() int64 { return s.load.Load() }

// LoadRatio returns in-flight calls over the shard capacity.
func (s *Shard[B]) LoadRatio() float64 {
	return float64(s.load.Load()) / float64(s.maxLoad)
}

// Health returns the health score in [0, 100].
func (s *Shard[B]) Health() int64 { return s.health.Load() }

// Errors returns the number of failed calls.
func (s *Shard[B]) Errors() uint64 { return s.errors.Load() }

// Calls returns the number of completed calls.
func (s *Shard[B]) Calls() uint64 { return s.calls.Load() }

// Weight returns the weighted_round_robin weight.
func (s *Shard[B]) Weight() float64 { return s.weight }

// AvgResponseTime returns the mean of the recent response times, 0 when
// the shard has not served a call yet.
func (s *Shard[B]) AvgResponseTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.responses) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.responses {
		total += d
	}
	return total / time.Duration(len(s.responses))
}

func (s *Shard[B]) acquire() { s.load.Add(1) }
func (s *Shard[B]) release() { s.load.Add(-1) }

// record stores the outcome of one call. Cancellations by the caller are not
// held against the shard.
func (s *Shard[B]) record(d time.Duration, err error) {
	s.calls.Add(1)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.errors.Add(1)
	}

	s.mu.Lock()
	if len(s.responses) < responseTimeWindow {
		s.responses = append(s.responses, d)
	} else {
		s.responses[s.next] = d
	}
	s.next = (s.next + 1) % responseTimeWindow
	s.mu.Unlock()
}

// adjustHealth moves the health score by delta, clamped to [0, 100], and
// returns the new score.
func (s *Shard[B]) adjustHealth(delta int64) int64 {
	for {
		old := s.health.Load()
		next := min(max(old+delta, 0), maxHealth)
		if s.health.CompareAndSwap(old, next) {
			return next
		}
	}
}
