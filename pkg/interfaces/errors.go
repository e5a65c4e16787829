package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotConnected       = errors.New("participant not connected")
	ErrTranscriptNotFound = errors.New("transcript not found")
)
