package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kbukum/fortify/component"
)

// Summary prints the startup report: each component with its self-reported
// description and live health.
type Summary struct {
	serviceName     string
	version         string
	startupDuration time.Duration
	out             io.Writer
}

// NewSummary creates a summary that writes to stdout.
func NewSummary(serviceName, version string) *Summary {
	return &Summary{
		serviceName: serviceName,
		version:     version,
		out:         os.Stdout,
	}
}

// SetStartupDuration records the total startup time.
func (s *Summary) SetStartupDuration(d time.Duration) {
	s.startupDuration = d
}

// Display writes the summary for every component in registry.
func (s *Summary) Display(ctx context.Context, registry *component.Registry) {
	w := s.out
	fmt.Fprintf(w, "\n🛡️  %s v%s started in %.2fs\n\n", s.serviceName, s.version, s.startupDuration.Seconds())

	var all []component.Component
	if registry != nil {
		all = registry.All()
	}
	if len(all) == 0 {
		fmt.Fprintf(w, "   └── No components registered\n\n")
		return
	}

	fmt.Fprintf(w, "📦 Components\n")
	healthy := 0
	for i, c := range all {
		h := c.Health(ctx)
		if h.Status == component.StatusHealthy {
			healthy++
		}

		name, details := c.Name(), ""
		if d, ok := c.(component.Describable); ok {
			desc := d.Describe()
			if desc.Name != "" {
				name = desc.Name
			}
			details = desc.Details
			if desc.Type != "" {
				details = strings.TrimSpace(desc.Type + " " + details)
			}
		}

		line := fmt.Sprintf("   %s %s %s", treePrefix(i, len(all)), healthStatusIcon(h.Status), name)
		if details != "" {
			line += ": " + details
		}
		if h.Message != "" {
			line += " (" + h.Message + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	if healthy == len(all) {
		fmt.Fprintf(w, "✅ All components healthy (%d/%d)\n\n", healthy, len(all))
	} else {
		fmt.Fprintf(w, "⚠️  Some components have issues (%d/%d healthy)\n\n", healthy, len(all))
	}
}

func treePrefix(i, n int) string {
	if i == n-1 {
		return "└──"
	}
	return "├──"
}

func healthStatusIcon(status component.HealthStatus) string {
	switch status {
	case component.StatusHealthy:
		return "✅"
	case component.StatusDegraded:
		return "⚠️"
	case component.StatusUnhealthy:
		return "❌"
	default:
		return "❓"
	}
}
