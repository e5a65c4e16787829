package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// DefaultMaxTextLength bounds a single chat message.
const DefaultMaxTextLength = 4000

// IsValidParticipantID checks if an ID meets format requirements.
func IsValidParticipantID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return participantIDRegex.MatchString(id)
}

// IsValidRole reports whether r is one of the two known roles.
func IsValidRole(r Role) bool {
	return r == RoleClient || r == RoleOperator
}

// Validate checks a relay payload. maxText <= 0 selects DefaultMaxTextLength.
func (p *Payload) Validate(maxText int) error {
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	if p.Type == "" {
		p.Type = MessageTypeText
	}

	switch p.Type {
	case MessageTypeText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyMessage
		}
	case MessageTypeFile:
		if p.File == nil || p.File.URL == "" {
			return ErrMissingAttachment
		}
	default:
		return ErrInvalidMessageType
	}

	if utf8.RuneCountInString(p.Text) > maxText {
		return ErrTextTooLong
	}
	return nil
}
