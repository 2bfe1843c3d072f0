// Package apperr defines the error taxonomy shared by the coordinator, upload and worker paths.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: unknown studio, session, recording or participant. Surfaced, never retried.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthorized: a non-host attempted a host-only action.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrTransientIO: storage or network failure; callers retry per their policy.
	ErrTransientIO = errors.New("transient io failure")
	// ErrInconsistent: request conflicts with current state (e.g. stop with a stale session id).
	ErrInconsistent = errors.New("inconsistent state")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// NotAuthorized wraps ErrNotAuthorized with a formatted message.
func NotAuthorized(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotAuthorized)
}

// Transient marks err as a retryable IO failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Inconsistent wraps ErrInconsistent with a formatted message.
func Inconsistent(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInconsistent)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
