package router

import "errors"

var (
	ErrNotConnected   = errors.New("participant:connect must be sent first")
	ErrAlreadyBound   = errors.New("connection is already bound to another participant or role")
	ErrTokenRequired  = errors.New("operator token required")
	ErrTokenSubject   = errors.New("token subject does not match participant id")
	ErrRoleNotAllowed = errors.New("event not allowed for this role")
)
