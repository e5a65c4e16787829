package types

import (
	"time"
)

// Role identifies which side of a chat a participant is on.
type Role string

const (
	RoleClient   Role = "client"
	RoleOperator Role = "operator"
)

// SessionState is the life-cycle position of a Session.
// Transitions only go forward: queued -> active -> ended, or queued -> ended.
// An active session may return to queued when its operator leaves.
type SessionState string

const (
	SessionQueued SessionState = "queued"
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// EndReason explains why a session reached SessionEnded.
type EndReason string

const (
	EndClientEnded   EndReason = "client_ended"
	EndOperatorEnded EndReason = "operator_ended"
	EndCancelled     EndReason = "cancelled"
	EndAbandoned     EndReason = "abandoned"
	EndShutdown      EndReason = "shutdown"
)

// Delivery is the delivery flag of a relayed message.
type Delivery string

const (
	DeliverySent      Delivery = "sent"
	DeliveryDelivered Delivery = "delivered"
)

// Message payload types
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// ConnectionStatus is the transport-level status of a link.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOpen       ConnectionStatus = "open"
	StatusClosed     ConnectionStatus = "closed"
	StatusErrored    ConnectionStatus = "errored"
)

// Participant is a logical actor: an anonymous client or an authenticated operator.
type Participant struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Name        string            `json:"name,omitempty"`
	Online      bool              `json:"online"`
	ConnectedAt time.Time         `json:"connectedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
	Meta        map[string]string `json:"meta,omitempty"`

	// Presence record fields
	QueuePosition  int `json:"queuePosition,omitempty"`
	ActiveSessions int `json:"activeSessions,omitempty"`
}

// Clone returns a copy safe to hand out of a lock.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	c := *p
	if p.Meta != nil {
		c.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// Session pairs exactly one client with at most one operator.
// The message log itself lives in the relay; Session carries only counters.
type Session struct {
	ID           string            `json:"sessionId"`
	ClientID     string            `json:"clientId"`
	ClientName   string            `json:"clientName,omitempty"`
	OperatorID   string            `json:"operatorId,omitempty"`
	OperatorName string            `json:"operatorName,omitempty"`
	State        SessionState      `json:"state"`
	EndReason    EndReason         `json:"endReason,omitempty"`
	EndedBy      string            `json:"endedBy,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	AcceptedAt   *time.Time        `json:"acceptedAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	MessageCount int               `json:"messageCount"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Clone returns a copy safe to hand out of a lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.AcceptedAt != nil {
		t := *s.AcceptedAt
		c.AcceptedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Meta != nil {
		c.Meta = make(map[string]string, len(s.Meta))
		for k, v := range s.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// IsEnded reports whether the session reached its terminal state.
func (s *Session) IsEnded() bool {
	return s.State == SessionEnded
}

// Attachment describes a file that was uploaded through the upload collaborator.
type Attachment struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name" validate:"required,max=255"`
	Size int64  `json:"size,omitempty" validate:"gte=0"`
	MIME string `json:"mime,omitempty" validate:"max=127"`
}

// Message is one entry of a session's append-only log.
// Only Delivery may change after the relay appended the message.
type Message struct {
	ID              string      `json:"id"`
	Seq             int64       `json:"seq"`
	SessionID       string      `json:"sessionId"`
	From            string      `json:"from"`
	SenderRole      Role        `json:"senderRole"`
	Type            string      `json:"type"`
	Text            string      `json:"text,omitempty"`
	File            *Attachment `json:"file,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	Delivery        Delivery    `json:"delivery"`
}

// Clone returns a copy safe to hand out of a lock.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	return &c
}

// Payload is what a sender hands to the relay.
type Payload struct {
	Type            string      `json:"type"`
	Text            string      `json:"text,omitempty"`
	File            *Attachment `json:"file,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
}

// Transcript is a session together with its ordered log.
type Transcript struct {
	Session  *Session   `json:"session"`
	Messages []*Message `json:"messages"`
}
