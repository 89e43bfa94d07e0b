package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrConnection indicates the connection to the store failed or was lost.
	ErrConnection = errors.New("store connection failed")

	// ErrUnsupported indicates the server does not implement a command or option.
	ErrUnsupported = errors.New("unsupported by server")

	// ErrAuth indicates the store rejected the credentials.
	ErrAuth = errors.New("store authentication failed")

	// ErrClosed indicates the connection or store was already closed.
	ErrClosed = errors.New("store connection closed")
)

// StoreError wraps store errors with the failing operation.
type StoreError struct {
	// Op is the operation that failed (e.g., "Scan", "Exec").
	Op string

	// Addr is the store address, if known.
	Addr string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsConnection returns true if the error is a connection-level failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrClosed)
}

// IsUnsupported returns true if the server does not support the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsAuth returns true if the store rejected the credentials.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
