package session

import "errors"

var (
	ErrCoordinatorClosed = errors.New("session coordinator is shut down")
	ErrNilDependency     = errors.New("presence registry and relay are required")
)
