package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrTimeout               = errors.New("timeout")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrUnrecognizedEvent     = errors.New("unrecognized event")
	ErrCancellationFailed    = errors.New("cancellation failed")
	ErrRecipientUnsubscribed = errors.New("recipient unsubscribed")
	ErrStoreUnavailable      = errors.New("store unavailable")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeSignature  ErrorType = "signature"
	ErrorTypeUpstream   ErrorType = "upstream"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeInternal   ErrorType = "internal"
)

// OpError is a structured error for gateway operations that cross a
// boundary (store, payment processor, carrier).
type OpError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "cancel_subscription")
	Ref       string // Identity, subscription or message reference if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *OpError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OpError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		if e.Type == ErrorTypeNotFound {
			return true
		}
	case ErrInvalidInput:
		if e.Type == ErrorTypeValidation {
			return true
		}
	case ErrTimeout:
		if e.Type == ErrorTypeTimeout {
			return true
		}
	case ErrSignatureInvalid:
		if e.Type == ErrorTypeSignature {
			return true
		}
	case ErrStoreUnavailable:
		if e.Type == ErrorTypeStore {
			return true
		}
	}

	return errors.Is(e.Err, target)
}

// NewOpError creates a new OpError
func NewOpError(errorType ErrorType, op, ref string, err error) *OpError {
	return &OpError{
		Type:      errorType,
		Op:        op,
		Ref:       ref,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeTimeout, ErrorTypeStore, ErrorTypeUpstream:
		return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrRecipientUnsubscribed)
	default:
		return false
	}
}

// Helper functions

// WrapValidation marks err as a caller input problem.
func WrapValidation(op, ref string, err error) error {
	return NewOpError(ErrorTypeValidation, op, ref, err)
}

// WrapUpstream wraps a failure returned by a third-party API. Context
// deadline errors are classified as timeouts.
func WrapUpstream(op, ref string, err error) error {
	if errors.Is(err, ErrTimeout) || isDeadline(err) {
		return NewOpError(ErrorTypeTimeout, op, ref, err)
	}
	return NewOpError(ErrorTypeUpstream, op, ref, err)
}

// WrapStore wraps a persistence failure.
func WrapStore(op, ref string, err error) error {
	return NewOpError(ErrorTypeStore, op, ref, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable)
}

func isDeadline(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
