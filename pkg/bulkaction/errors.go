package bulkaction

import (
	"errors"
	"fmt"
)

// Sentinel errors for bulk action operations.
var (
	// ErrValidation indicates a malformed request (filter, type, input).
	// Use errors.As with *ValidationError for the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the action id is unknown or past retention.
	ErrNotFound = errors.New("bulk action not found")

	// ErrInvalidTransition indicates a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict indicates the action id is live under another database.
	ErrConflict = errors.New("bulk action id in use")

	// ErrShuttingDown is returned by Create once Shutdown has begun.
	ErrShuttingDown = errors.New("bulk action provider is shutting down")

	// ErrNoSpool indicates the action kept no per-key record, either
	// because it was created without GenerateReport or it is still running.
	ErrNoSpool = errors.New("bulk action has no key spool")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation so callers can use errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if err indicates an unknown action.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
