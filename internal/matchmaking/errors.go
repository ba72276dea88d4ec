package matchmaking

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyQueued means the user already holds an active queue entry. Not a failure: callers
	// report the current queue status instead.
	ErrAlreadyQueued = errors.New("already queued")
	// ErrNotQueued means the user holds no active queue entry.
	ErrNotQueued = errors.New("not queued")
	// ErrSessionNotFound is returned by session operations addressing an unknown id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPersistenceUnavailable wraps store I/O failures; the operation is considered not applied.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrInvariantViolation flags state that correct conditional writes should make unreachable.
	ErrInvariantViolation = errors.New("invariant violation")
)

// ValidationError reports malformed join input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrPersistenceUnavailable, err)
}
