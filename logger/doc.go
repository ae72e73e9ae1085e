// Package logger provides structured logging backed by zerolog.
//
// It supports JSON and console output, level configuration, and
// component-scoped loggers carrying structured fields.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.WithComponent("breaker")
//	log.Warn("circuit opened", logger.Fields(logger.FieldOperationID, "fhe_operations"))
package logger
