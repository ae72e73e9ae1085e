// Package errors provides the structured error type shared by every
// resilience mechanism. Errors carry a machine-readable code, an HTTP status
// hint for the API boundary, a failure Kind (transient, permanent, overload,
// resource exhaustion) and, for rejections, the mechanism that refused the call.
package errors
