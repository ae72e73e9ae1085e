package ratelimit

import (
	"context"

	"github.com/kbukum/fortify/component"
	"github.com/kbukum/fortify/logger"
)

// NewSweeper returns a component that runs Cleanup on the configured
// cleanup schedule.
func NewSweeper(l *AdaptiveLimiter, log *logger.Logger) (*component.Scheduled, error) {
	if log == nil {
		log = logger.Nop()
	}
	return component.NewScheduled("ratelimit-sweeper", l.config.CleanupSchedule, func(context.Context) error {
		if removed := l.Cleanup(); removed > 0 {
			log.Debug("Rate limit entries cleaned up", logger.Fields("removed", removed))
		}
		return nil
	}, log)
}
