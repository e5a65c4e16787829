package interfaces

import (
	"context"

	"livedesk/pkg/types"
)

// Archive stores transcripts for the history fetch and delete endpoints.
// Implementations must be safe for concurrent use.
type Archive interface {
	// SaveSession upserts the session header.
	SaveSession(ctx context.Context, session *types.Session) error

	// AppendMessage stores a log entry. Re-appending the same message ID
	// updates the delivery flag only.
	AppendMessage(ctx context.Context, message *types.Message) error

	// Transcript returns the session and its messages ordered by seq.
	Transcript(ctx context.Context, sessionID string) (*types.Transcript, error)

	// DeleteTranscript removes the session and its messages.
	DeleteTranscript(ctx context.Context, sessionID string) error

	HealthCheck(ctx context.Context) error

	Close() error
}
