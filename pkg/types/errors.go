package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a rejected operation.
type ErrorCode string

const (
	CodeConnection          ErrorCode = "connection_error"
	CodeAssignmentConflict  ErrorCode = "assignment_conflict"
	CodeInvalidSessionState ErrorCode = "invalid_session_state"
	CodePresenceNotFound    ErrorCode = "presence_not_found"
	CodeSessionNotFound     ErrorCode = "session_not_found"
	CodeInvalidPayload      ErrorCode = "invalid_payload"
	CodeUnauthorized        ErrorCode = "unauthorized"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeInternal            ErrorCode = "internal_error"
)

// Rejection is a typed, non-fatal refusal of a state-machine operation.
// Two rejections match under errors.Is when their codes are equal.
type Rejection struct {
	Code      ErrorCode
	Reason    string
	SessionID string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

// Is matches any Rejection carrying the same code.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	if !ok {
		return false
	}
	return t.Code == r.Code
}

// Reject builds a Rejection with a formatted reason.
func Reject(code ErrorCode, sessionID string, format string, args ...interface{}) *Rejection {
	return &Rejection{
		Code:      code,
		Reason:    fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}

// Sentinels for errors.Is checks
var (
	ErrConnection          = &Rejection{Code: CodeConnection}
	ErrAssignmentConflict  = &Rejection{Code: CodeAssignmentConflict}
	ErrInvalidSessionState = &Rejection{Code: CodeInvalidSessionState}
	ErrPresenceNotFound    = &Rejection{Code: CodePresenceNotFound}
	ErrSessionNotFound     = &Rejection{Code: CodeSessionNotFound}
	ErrInvalidPayload      = &Rejection{Code: CodeInvalidPayload}
	ErrUnauthorized        = &Rejection{Code: CodeUnauthorized}
	ErrRateLimited         = &Rejection{Code: CodeRateLimited}
)

// AsRejection extracts the Rejection from err, wrapping anything else as internal.
func AsRejection(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return &Rejection{Code: CodeInternal, Reason: "internal error"}
}

// Validation errors
var (
	ErrInvalidParticipantID = errors.New("participant ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrTextTooLong          = errors.New("message text exceeds maximum length")
	ErrEmptyMessage         = errors.New("message must carry text or a file")
	ErrMissingAttachment    = errors.New("file message requires an attachment")
	ErrInvalidMessageType   = errors.New("invalid message type")
)
