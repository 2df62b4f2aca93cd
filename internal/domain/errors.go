package domain

import (
	"errors"
	"fmt"

	"github.com/bnema/rq/internal/buffer"
)

var (
	ErrCorruptFrame          = errors.New("corrupt frame")
	ErrUnsupportedPartType   = errors.New("unsupported body part type")
	ErrUnsupportedVersion    = errors.New("unsupported record version")
	ErrUnsupportedMethod     = errors.New("unsupported request method")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrRequestNotFound       = errors.New("pending request not found")
	ErrSecretNotFound        = errors.New("secret not found")
	ErrStreamNotMaterialized = errors.New("stream part has not been materialized")
)

// FailedAuthenticationError is delivered to every caller waiting on an
// authentication attempt that did not produce an actor.
type FailedAuthenticationError struct {
	Cause error
}

func (e *FailedAuthenticationError) Error() string {
	if e.Cause == nil {
		return ErrAuthenticationFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthenticationFailed, e.Cause)
}

func (e *FailedAuthenticationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAuthenticationFailed}
	}
	return []error{ErrAuthenticationFailed, e.Cause}
}

// FailureError classifies a transport outcome that did not succeed.
type FailureError struct {
	Retryable bool
	Status    int
	Cause     error
}

func (e *FailureError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s failure (status %d): %v", kind, e.Status, e.Cause)
	}
	return fmt.Sprintf("%s failure: %v", kind, e.Cause)
}

func (e *FailureError) Unwrap() error {
	return e.Cause
}

func RetryableFailure(status int, cause error) error {
	return &FailureError{Retryable: true, Status: status, Cause: cause}
}

func NonRetryableFailure(status int, cause error) error {
	return &FailureError{Retryable: false, Status: status, Cause: cause}
}

// IsRetryable reports whether err leaves a request worth trying again later.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var failure *FailureError
	if errors.As(err, &failure) {
		return failure.Retryable
	}
	return errors.Is(err, buffer.ErrPoolExhausted)
}
