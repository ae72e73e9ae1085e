package component

import "context"

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
)

// Health holds health information for a component.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component represents a lifecycle-managed background worker.
// Pool monitors, cleanup sweepers and the metrics server implement it.
type Component interface {
	// Name returns the unique name of the component for registration.
	Name() string

	// Start initializes and starts the component.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the component and releases resources.
	Stop(ctx context.Context) error

	// Health returns the current health status of the component.
	Health(ctx context.Context) Health
}

// Description holds summary information for the bootstrap display.
// Components that implement Describable return this to self-report
// what they are and how they're configured.
type Description struct {
	// Name is the human-readable display name (e.g., "Pool Monitor").
	// If empty, the component's Name() is used.
	Name string
	// Type categorizes the component: "scheduler", "monitor", "server".
	Type string
	// Details is a human-readable one-liner shown in the startup summary.
	// Examples: "@every 5m", ":9090/metrics"
	Details string
}

// Describable is optionally implemented by Components to provide
// startup summary information for the bootstrap display.
//
// When a component implements this interface, the bootstrap system
// includes it in the startup summary.
type Describable interface {
	Describe() Description
}
