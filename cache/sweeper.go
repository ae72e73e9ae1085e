package cache

import (
	"context"

	"github.com/kbukum/fortify/component"
	"github.com/kbukum/fortify/logger"
)

// NewSweeper returns a component that removes expired entries on the
// configured cleanup schedule.
func NewSweeper(c *MultiTierCache, log *logger.Logger) (*component.Scheduled, error) {
	if log == nil {
		log = logger.Nop()
	}
	return component.NewScheduled("cache-sweeper", c.config.CleanupSchedule, func(context.Context) error {
		if removed := c.CleanupExpired(); removed > 0 {
			log.Debug("Expired cache entries removed", logger.Fields("removed", removed))
		}
		return nil
	}, log)
}
