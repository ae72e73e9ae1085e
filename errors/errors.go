package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Mechanism names the resilience component that rejected a call.
const (
	MechanismCircuitBreaker = "circuit_breaker"
	MechanismBulkhead       = "bulkhead"
	MechanismRateLimiter    = "rate_limiter"
	MechanismRetry          = "retry"
	MechanismPool           = "resource_pool"
)

// DetailMechanism is the Details key that carries the rejecting mechanism.
const DetailMechanism = "mechanism"

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the caller may retry the request.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// Kind returns the failure class of the error code.
func (e *AppError) Kind() Kind { return KindOfCode(e.Code) }

// Mechanism returns the rejecting mechanism, or "" when the error is not a rejection.
func (e *AppError) Mechanism() string {
	if m, ok := e.Details[DetailMechanism].(string); ok {
		return m
	}
	return ""
}

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// --- Transient failures ---

// ServiceUnavailable creates a new AppError for a backend that is temporarily unavailable.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code: ErrCodeServiceUnavailable, Message: fmt.Sprintf("The %s is temporarily unavailable. Please try again.", service),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{"service": service},
	}
}

// ConnectionFailed creates a new AppError for a failed connection to a backend.
func ConnectionFailed(service string) *AppError {
	return &AppError{
		Code: ErrCodeConnectionFailed, Message: fmt.Sprintf("Unable to connect to %s.", service),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{"service": service},
	}
}

// Timeout creates a new AppError for an operation that timed out.
func Timeout(operation string) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: "The operation took too long. Please try again.",
		HTTPStatus: http.StatusGatewayTimeout, Retryable: true,
		Details: map[string]any{"operation": operation},
	}
}

// IO creates a new AppError for an I/O failure.
func IO(operation string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeIO, Message: fmt.Sprintf("I/O failure during %s.", operation),
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details: map[string]any{"operation": operation}, Cause: cause,
	}
}

// ExternalServiceError creates a new AppError for an error from an upstream provider.
func ExternalServiceError(service string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeExternalService, Message: fmt.Sprintf("The %s service encountered an error. Please try again.", service),
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details: map[string]any{"service": service}, Cause: cause,
	}
}

// --- Permanent failures ---

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Retryable: false, Details: details,
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Retryable: false, Details: details,
	}
}

// Validation creates a new AppError for validation errors.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: message,
		HTTPStatus: http.StatusBadRequest, Retryable: false,
	}
}

// Internal creates a new AppError for an internal logic error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError, Retryable: false, Cause: cause,
	}
}

// --- Rejections ---

// CircuitOpen creates a new AppError for a call refused by an open breaker.
func CircuitOpen(operation, state string) *AppError {
	return &AppError{
		Code: ErrCodeCircuitOpen, Message: fmt.Sprintf("Calls to %s are temporarily suspended.", operation),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismCircuitBreaker,
			"operation":     operation,
			"state":         state,
		},
	}
}

// BulkheadFull creates a new AppError for a call refused by a saturated bulkhead.
func BulkheadFull(name string) *AppError {
	return &AppError{
		Code: ErrCodeBulkheadFull, Message: fmt.Sprintf("Too many concurrent calls to %s.", name),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismBulkhead,
			"bulkhead":      name,
		},
	}
}

// BulkheadTimeout creates a new AppError for a call that waited too long for a permit.
func BulkheadTimeout(name string, waited time.Duration) *AppError {
	return &AppError{
		Code: ErrCodeBulkheadTimeout, Message: fmt.Sprintf("Timed out waiting for capacity on %s.", name),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismBulkhead,
			"bulkhead":      name,
			"waited_ms":     waited.Milliseconds(),
		},
	}
}

// RateLimited creates a new AppError for a caller over its token budget.
func RateLimited(scope string) *AppError {
	return &AppError{
		Code: ErrCodeRateLimited, Message: "Too many requests. Please wait a moment and try again.",
		HTTPStatus: http.StatusTooManyRequests, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismRateLimiter,
			"scope":         scope,
		},
	}
}

// ClientBlocked creates a new AppError for a caller blocked after repeated violations.
func ClientBlocked(key string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code: ErrCodeClientBlocked, Message: "Client temporarily blocked due to repeated rate limit violations.",
		HTTPStatus: http.StatusTooManyRequests, Retryable: true,
		Details: map[string]any{
			DetailMechanism:  MechanismRateLimiter,
			"client":         key,
			"retry_after_ms": retryAfter.Milliseconds(),
		},
	}
}

// --- Exhaustion ---

// RetryExhausted creates a new AppError reporting that every attempt failed.
// The last attempt's error is kept as the cause.
func RetryExhausted(operation string, attempts int, last error) *AppError {
	return &AppError{
		Code: ErrCodeRetryExhausted, Message: fmt.Sprintf("%s failed after %d attempts.", operation, attempts),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismRetry,
			"operation":     operation,
			"attempts":      attempts,
		},
		Cause: last,
	}
}

// ResourceExhausted creates a new AppError for a pool without a healthy shard.
func ResourceExhausted(pool string) *AppError {
	return &AppError{
		Code: ErrCodeResourceExhausted, Message: fmt.Sprintf("No healthy backend available in %s.", pool),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{
			DetailMechanism: MechanismPool,
			"pool":          pool,
		},
	}
}

// Wrap converts any error to an AppError. AppErrors anywhere in the chain are
// returned as-is, timeouts become TIMEOUT and everything else INTERNAL_ERROR.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	if IsTimeout(err) {
		return Timeout("").WithCause(err)
	}
	return Internal(err)
}
