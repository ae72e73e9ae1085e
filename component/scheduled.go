package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbukum/fortify/logger"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context) error

// Scheduled is a Component that runs a Job on a cron schedule. Overlapping
// runs are skipped.
type Scheduled struct {
	name     string
	schedule string
	job      Job
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun time.Time
	lastErr error
	runs    uint64
}

// NewScheduled creates a scheduled component. The schedule accepts standard
// five-field expressions and descriptors such as "@every 5m".
func NewScheduled(name, schedule string, job Job, log *logger.Logger) (*Scheduled, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduled{
		name:     name,
		schedule: schedule,
		job:      job,
		log:      log.WithComponent(name),
	}, nil
}

// Name returns the component name.
func (s *Scheduled) Name() string { return s.name }

// Start begins running the job on schedule.
func (s *Scheduled) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("%s already started", s.name)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, s.tick); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", s.name, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.cron = c
	c.Start()

	s.log.Info("Scheduled job started", logger.Fields("schedule", s.schedule))
	return nil
}

// Stop stops the schedule and waits for a running job to finish or ctx to end.
func (s *Scheduled) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()

	s.log.Info("Scheduled job stopped")
	return nil
}

// Health reports unhealthy when stopped and degraded when the last run failed.
func (s *Scheduled) Health(ctx context.Context) Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{Name: s.name, Status: StatusHealthy}
	switch {
	case s.cron == nil:
		h.Status = StatusUnhealthy
		h.Message = "not running"
	case s.lastErr != nil:
		h.Status = StatusDegraded
		h.Message = s.lastErr.Error()
	}
	return h
}

// Describe implements Describable.
func (s *Scheduled) Describe() Description {
	return Description{Type: "scheduler", Details: s.schedule}
}

// RunNow runs the job once outside the schedule.
func (s *Scheduled) RunNow(ctx context.Context) error {
	start := time.Now()
	err := s.job(ctx)

	s.mu.Lock()
	s.lastRun = start
	s.lastErr = err
	s.runs++
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("Scheduled job failed", logger.Fields(logger.FieldError, err.Error()))
	}
	return err
}

// Runs returns how many times the job has run.
func (s *Scheduled) Runs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// LastRun returns when the job last started.
func (s *Scheduled) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduled) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	_ = s.RunNow(ctx)
}
