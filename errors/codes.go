package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates the backend is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeConnectionFailed indicates a failed connection to a backend.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeIO indicates an I/O failure while talking to a backend.
	ErrCodeIO ErrorCode = "IO_ERROR"
	// ErrCodeExternalService indicates an error from an upstream provider.
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Rejections raised before the protected operation runs.
const (
	// ErrCodeCircuitOpen indicates the circuit breaker refused the call.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeBulkheadFull indicates the bulkhead had no free permit or queue slot.
	ErrCodeBulkheadFull ErrorCode = "BULKHEAD_FULL"
	// ErrCodeBulkheadTimeout indicates no permit was freed within the wait budget.
	ErrCodeBulkheadTimeout ErrorCode = "BULKHEAD_TIMEOUT"
	// ErrCodeRateLimited indicates the caller exceeded its token budget.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCodeClientBlocked indicates the caller is blocked after repeated violations.
	ErrCodeClientBlocked ErrorCode = "CLIENT_BLOCKED"
)

// Exhaustion errors
const (
	// ErrCodeRetryExhausted indicates every retry attempt failed.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	// ErrCodeResourceExhausted indicates the pool has no healthy shard.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
)

// Validation errors
const (
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Internal errors
const (
	// ErrCodeInternal indicates an internal logic error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeConnectionFailed:   true,
	ErrCodeTimeout:            true,
	ErrCodeIO:                 true,
	ErrCodeExternalService:    true,
	ErrCodeCircuitOpen:        true,
	ErrCodeBulkheadFull:       true,
	ErrCodeBulkheadTimeout:    true,
	ErrCodeRateLimited:        true,
	ErrCodeRetryExhausted:     true,
	ErrCodeResourceExhausted:  true,
	ErrCodeInternal:           false,
}

// IsRetryableCode reports whether a client may retry a request that failed
// with code, possibly later or against another instance. It says nothing
// about whether this process retries internally; see KindOf for that.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
