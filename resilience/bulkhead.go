package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common bulkhead errors.
var (
	ErrBulkheadFull    = errors.New("resilience: bulkhead is full")
	ErrBulkheadTimeout = errors.New("resilience: bulkhead wait timeout")
)

// BulkheadConfig configures a bulkhead.
type BulkheadConfig struct {
	// Name identifies this bulkhead for metrics/logging.
	Name string `yaml:"-" mapstructure:"-"`
	// MaxConcurrentCalls is the number of permits.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls" validate:"gte=1"`
	// QueueCapacity bounds the number of callers waiting for a permit. 0 means unbounded.
	QueueCapacity int `yaml:"queue_capacity" mapstructure:"queue_capacity" validate:"gte=0"`
	// Timeout is how long Acquire waits for a permit. 0 means fail immediately.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
	// OnReject is called when a request is rejected.
	OnReject func(name string, err error) `yaml:"-" mapstructure:"-"`
}

// DefaultBulkheadConfig returns sensible defaults.
func DefaultBulkheadConfig(name string) BulkheadConfig {
	return BulkheadConfig{
		Name:               name,
		MaxConcurrentCalls: 10,
		QueueCapacity:      100,
		Timeout:            5 * time.Second,
	}
}

// BulkheadStats is a point-in-time snapshot of a bulkhead.
type BulkheadStats struct {
	Name          string
	MaxConcurrent int
	Active        int
	Queued        int
	Rejected      uint64
	Completed     uint64
	AvgWait       time.Duration
}

// Bulkhead isolates an operation class behind a fixed number of permits.
type Bulkhead struct {
	config BulkheadConfig
	sem    chan struct{}

	mu        sync.Mutex
	active    int
	queued    int
	rejected  uint64
	completed uint64
	avgWait   time.Duration
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 10
	}
	if config.QueueCapacity < 0 {
		config.QueueCapacity = 0
	}

	return &Bulkhead{
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrentCalls),
	}
}

// Permit is a held bulkhead slot. Release it exactly once, normally with defer.
type Permit struct {
	b    *Bulkhead
	once sync.Once
}

// Release returns the slot. Extra calls are no-ops.
func (p *Permit) Release() {
	p.once.Do(p.b.release)
}

// Name returns the bulkhead name.
func (b *Bulkhead) Name() string {
	return b.config.Name
}

// Acquire waits up to the configured Timeout for a permit.
func (b *Bulkhead) Acquire(ctx context.Context) (*Permit, error) {
	return b.AcquirePermit(ctx, b.config.Timeout)
}

// AcquirePermit waits up to timeout for a permit. It fails with
// ErrBulkheadFull when the wait queue is full or timeout is 0, with
// ErrBulkheadTimeout when timeout elapses, and with the context error when
// ctx ends first.
func (b *Bulkhead) AcquirePermit(ctx context.Context, timeout time.Duration) (*Permit, error) {
	start := time.Now()

	select {
	case b.sem <- struct{}{}:
		return b.granted(start), nil
	default:
	}

	if timeout <= 0 {
		return nil, b.reject(ErrBulkheadFull)
	}

	b.mu.Lock()
	if b.config.QueueCapacity > 0 && b.queued >= b.config.QueueCapacity {
		b.mu.Unlock()
		return nil, b.reject(ErrBulkheadFull)
	}
	b.queued++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.queued--
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b.sem <- struct{}{}:
		return b.granted(start), nil
	case <-timer.C:
		return nil, b.reject(ErrBulkheadTimeout)
	case <-ctx.Done():
		return nil, b.reject(ctx.Err())
	}
}

// Execute runs fn while holding a permit.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	return fn(ctx)
}

// ExecuteWithResult runs a function that returns a value while holding a permit.
func ExecuteWithResult[T any](ctx context.Context, b *Bulkhead, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Stats returns a snapshot of the bulkhead counters.
func (b *Bulkhead) Stats() BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadStats{
		Name:          b.config.Name,
		MaxConcurrent: b.config.MaxConcurrentCalls,
		Active:        b.active,
		Queued:        b.queued,
		Rejected:      b.rejected,
		Completed:     b.completed,
		AvgWait:       b.avgWait,
	}
}

// Available returns the number of free permits.
func (b *Bulkhead) Available() int {
	return b.config.MaxConcurrentCalls - len(b.sem)
}

// InUse returns the number of permits currently held.
func (b *Bulkhead) InUse() int {
	return len(b.sem)
}

// MaxConcurrent returns the maximum concurrent calls allowed.
func (b *Bulkhead) MaxConcurrent() int {
	return b.config.MaxConcurrentCalls
}

func (b *Bulkhead) granted(start time.Time) *Permit {
	wait := time.Since(start)

	b.mu.Lock()
	b.active++
	if b.avgWait == 0 {
		b.avgWait = wait
	} else {
		b.avgWait = (b.avgWait + wait) / 2
	}
	b.mu.Unlock()

	return &Permit{b: b}
}

func (b *Bulkhead) reject(err error) error {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()

	if b.config.OnReject != nil {
		b.config.OnReject(b.config.Name, err)
	}
	return err
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	b.active--
	b.completed++
	b.mu.Unlock()

	<-b.sem
}
