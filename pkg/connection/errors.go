package connection

import (
	"errors"
	"fmt"
)

var (
	ErrMaxAttempts  = errors.New("maximum connection attempts reached")
	ErrNotConnected = errors.New("connection is not open")
	ErrClosed       = errors.New("connection was closed")
)

// ConnectionError is the terminal failure of a dial loop.
type ConnectionError struct {
	Endpoint string
	Attempts int
	// Exhausted is set when the loop stopped because the attempt cap was hit.
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("connect %s: %v after %d attempts: %v", e.Endpoint, ErrMaxAttempts, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches ErrMaxAttempts when the attempt cap was hit.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrMaxAttempts && e.Exhausted
}
