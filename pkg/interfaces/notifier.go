package interfaces

import "livedesk/pkg/types"

// Notifier pushes events to participants by id, whichever link they are on.
type Notifier interface {
	// Emit sends event to a single participant. ErrNotConnected is returned
	// when no open link is registered for the id.
	Emit(participantID, event string, data interface{}) error

	// Broadcast sends event to every connected participant holding role.
	Broadcast(role types.Role, event string, data interface{}) int

	// IsConnected reports whether the participant currently has an open link.
	IsConnected(participantID string) bool
}
