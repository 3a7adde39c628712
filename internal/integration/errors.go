package integration

import (
	"context"
	"errors"
	"fmt"
)

// RetryableError signals a temporarily unreachable device or service.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not ready: %s: %v", e.Reason, e.Err)
	}
	return "not ready: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable builds a RetryableError with a formatted reason.
func Retryable(format string, args ...any) *RetryableError {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

// RetryableCause wraps an underlying error as retryable.
func RetryableCause(err error, reason string) *RetryableError {
	return &RetryableError{Reason: reason, Err: err}
}

// AuthError signals rejected or expired credentials.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthFailed builds an AuthError with a formatted reason.
func AuthFailed(format string, args ...any) *AuthError {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// AuthCause wraps an underlying error as an authentication failure.
func AuthCause(err error, reason string) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// FatalError signals configuration that cannot work without user changes.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal builds a FatalError with a formatted reason.
func Fatal(format string, args ...any) *FatalError {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err should be retried with backoff.
// Timeouts count as retryable.
func IsRetryable(err error) bool {
	var t *RetryableError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	var t *AuthError
	return errors.As(err, &t)
}

// IsFatal reports whether err is a fatal configuration error.
func IsFatal(err error) bool {
	var t *FatalError
	return errors.As(err, &t)
}
