package pool

import (
	"context"
	"fmt"

	"github.com/kbukum/fortify/component"
	"github.com/kbukum/fortify/logger"
)

// NewMonitor returns a component that health checks p and then runs the
// autoscaler every HealthCheckInterval.
func NewMonitor[B any](p *Pool[B], scaler *AutoScaler[B], log *logger.Logger) (*component.Scheduled, error) {
	if log == nil {
		log = logger.Nop()
	}
	if scaler == nil {
		scaler = NewAutoScaler(p)
	}
	schedule := fmt.Sprintf("@every %s", p.config.HealthCheckInterval)
	return component.NewScheduled("pool-monitor-"+p.config.Name, schedule, func(ctx context.Context) error {
		p.HealthCheck(ctx)
		_, err := scaler.Evaluate(ctx)
		return err
	}, log)
}
