package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind classifies a failure by how callers should react to it.
type Kind int

const (
	// KindUnknown is an error that carries no classification.
	KindUnknown Kind = iota
	// KindTransient covers I/O, timeouts and upstream failures. Retryable.
	KindTransient
	// KindPermanent covers validation and internal logic errors. Never retried.
	KindPermanent
	// KindOverload covers breaker, bulkhead and rate-limit rejections. Fail fast.
	KindOverload
	// KindResourceExhaustion means no backend capacity is available.
	KindResourceExhaustion
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOverload:
		return "overload"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	default:
		return "unknown"
	}
}

var codeKinds = map[ErrorCode]Kind{
	ErrCodeServiceUnavailable: KindTransient,
	ErrCodeConnectionFailed:   KindTransient,
	ErrCodeTimeout:            KindTransient,
	ErrCodeIO:                 KindTransient,
	ErrCodeExternalService:    KindTransient,
	ErrCodeRetryExhausted:     KindTransient,
	ErrCodeInvalidInput:       KindPermanent,
	ErrCodeNotFound:           KindPermanent,
	ErrCodeInternal:           KindPermanent,
	ErrCodeCircuitOpen:        KindOverload,
	ErrCodeBulkheadFull:       KindOverload,
	ErrCodeBulkheadTimeout:    KindOverload,
	ErrCodeRateLimited:        KindOverload,
	ErrCodeClientBlocked:      KindOverload,
	ErrCodeResourceExhausted:  KindResourceExhaustion,
}

// KindOfCode returns the failure class of an error code.
func KindOfCode(code ErrorCode) Kind {
	return codeKinds[code]
}

// KindOf classifies err. AppErrors are classified by code; plain errors from
// the standard library are recognized when they signal timeouts, broken
// connections or cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if appErr, ok := AsAppError(err); ok {
		if k := KindOfCode(appErr.Code); k != KindUnknown {
			return k
		}
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return KindPermanent
	case IsTimeout(err):
		return KindTransient
	case stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, io.ErrClosedPipe),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, syscall.EPIPE):
		return KindTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsTimeout reports whether err represents a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok && appErr.Code == ErrCodeTimeout {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// IsOverload reports whether err is a fast-fail rejection.
func IsOverload(err error) bool {
	return KindOf(err) == KindOverload
}

// MechanismOf returns the mechanism that rejected the call, or "".
func MechanismOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Mechanism()
	}
	return ""
}
