package kvserver

import (
	"errors"
	"fmt"
)

// Error types for specific failure scenarios
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the server has been closed
	ErrClosed = errors.New("server is closed")
)

// ConnectionError represents a failure to bind or reach a network address
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SnapshotError records why the snapshot file was not loaded at boot. The
// server still starts, with an empty store.
type SnapshotError struct {
	Path string
	Err  error
}

// Error implements the error interface
func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s not loaded: %v", e.Path, e.Err)
}

// Unwrap returns the wrapped error
func (e *SnapshotError) Unwrap() error {
	return e.Err
}
