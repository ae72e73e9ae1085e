package bootstrap

import (
	"github.com/kbukum/fortify/config"
)

// Config is the constraint for application configuration types. Any struct
// embedding config.ServiceConfig satisfies it through promoted methods, as
// long as it overrides ApplyDefaults and Validate when it adds sections.
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}
