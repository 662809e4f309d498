package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCommand indicates a request that is not an array led by a string
	ErrNotCommand = errors.New("not a command")

	// ErrInvalidArgument indicates a command argument that is not a string
	ErrInvalidArgument = errors.New("invalid argument")
)

// ProtocolError represents a Redis protocol parsing error
type ProtocolError struct {
	Message string
	Err     error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// Unwrap returns the wrapped error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(err error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Err: err}
}
