package types

import (
	"encoding/json"
	"time"
)

// Event names carried in the Envelope.Event field.
const (
	EventParticipantConnect    = "participant:connect"
	EventParticipantConnected  = "participant:connected"
	EventParticipantLogout     = "participant:logout"
	EventParticipantJoined     = "participant:joined"
	EventParticipantUpdated    = "participant:updated"
	EventParticipantDisconnect = "participant:disconnect"
	EventPresenceSnapshot      = "presence:snapshot"

	EventQueueSnapshot = "queue:snapshot"
	EventQueueUpdated  = "queue:updated"

	EventChatRequest    = "chat:request"
	EventChatQueued     = "chat:queued"
	EventChatAccept     = "chat:accept"
	EventChatAccepted   = "chat:accepted"
	EventChatRequeued   = "chat:requeued"
	EventChatEnd        = "chat:end"
	EventChatEnded      = "chat:ended"
	EventOperatorStatus = "operator:status"

	EventMessageSend     = "message:send"
	EventMessageAck      = "message:ack"
	EventMessageReceived = "message:received"

	EventSessionResume = "session:resume"
	EventSessionState  = "session:state"

	EventError = "error"
	EventPing  = "ping"
	EventPong  = "pong"
)

// Queue update actions
const (
	QueueActionQueued   = "queued"
	QueueActionTaken    = "taken"
	QueueActionEnded    = "ended"
	QueueActionRequeued = "requeued"
)

// Envelope is the single frame shape exchanged over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope.
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

// ConnectRequest is the participant:connect payload.
type ConnectRequest struct {
	ID      string            `json:"id" validate:"required,participant_id"`
	Role    Role              `json:"role" validate:"required,oneof=client operator"`
	Name    string            `json:"name,omitempty" validate:"max=100"`
	Token   string            `json:"token,omitempty"`
	LastSeq int64             `json:"lastSeq,omitempty" validate:"gte=0"`
	Meta    map[string]string `json:"meta,omitempty" validate:"max=20"`
}

// ConnectedEvent confirms registration to the sender.
type ConnectedEvent struct {
	ID       string     `json:"id"`
	Role     Role       `json:"role"`
	Resumed  bool       `json:"resumed"`
	Session  *Session   `json:"session,omitempty"`
	Messages []*Message `json:"messages,omitempty"`
}

// ChatRequest is the chat:request payload.
type ChatRequest struct {
	ClientID string            `json:"clientId,omitempty" validate:"omitempty,participant_id"`
	Meta     map[string]string `json:"meta,omitempty" validate:"max=20"`
}

// ChatQueuedEvent tells a client where it waits.
type ChatQueuedEvent struct {
	SessionID string `json:"sessionId"`
	Position  int    `json:"position"`
}

// OperatorStatusEvent tells a client whether anyone can pick the chat up.
type OperatorStatusEvent struct {
	Available bool `json:"available"`
	Online    int  `json:"online"`
}

// SessionRef is the payload of chat:accept and chat:end.
type SessionRef struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

// ChatAcceptedEvent is sent to the client once an operator owns the session.
type ChatAcceptedEvent struct {
	SessionID    string `json:"sessionId"`
	OperatorID   string `json:"operatorId"`
	OperatorName string `json:"operatorName,omitempty"`
}

// ChatEndedEvent is sent to both parties when a session ends.
type ChatEndedEvent struct {
	SessionID string    `json:"sessionId"`
	Reason    EndReason `json:"reason"`
	EndedBy   string    `json:"endedBy,omitempty"`
}

// QueueUpdatedEvent is broadcast to operators whenever the queue changes.
type QueueUpdatedEvent struct {
	Action  string   `json:"action"`
	Session *Session `json:"session"`
}

// SendMessageRequest is the message:send payload.
type SendMessageRequest struct {
	SessionID       string      `json:"sessionId" validate:"required,uuid"`
	Text            string      `json:"text,omitempty"`
	Type            string      `json:"type,omitempty" validate:"omitempty,oneof=text file"`
	ClientMessageID string      `json:"clientMessageId,omitempty" validate:"max=64"`
	File            *Attachment `json:"file,omitempty"`
}

// Payload converts the request into a relay payload, defaulting the type to text.
func (r *SendMessageRequest) Payload() Payload {
	t := r.Type
	if t == "" {
		t = MessageTypeText
	}
	return Payload{
		Type:            t,
		Text:            r.Text,
		File:            r.File,
		ClientMessageID: r.ClientMessageID,
	}
}

// MessageAckEvent confirms to the sender that its message reached the log.
type MessageAckEvent struct {
	SessionID       string   `json:"sessionId"`
	MessageID       string   `json:"messageId"`
	Seq             int64    `json:"seq"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
	Status          Delivery `json:"status"`
}

// MessageReceivedEvent is what the counterpart sees.
type MessageReceivedEvent struct {
	SessionID string      `json:"sessionId"`
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	From      string      `json:"from"`
	Role      Role        `json:"role"`
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	File      *Attachment `json:"file,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessageReceived projects a log entry into its wire form.
func NewMessageReceived(m *Message) *MessageReceivedEvent {
	return &MessageReceivedEvent{
		SessionID: m.SessionID,
		ID:        m.ID,
		Seq:       m.Seq,
		From:      m.From,
		Role:      m.SenderRole,
		Type:      m.Type,
		Text:      m.Text,
		File:      m.File,
		Timestamp: m.Timestamp,
	}
}

// ResumeRequest is the session:resume payload.
type ResumeRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	AfterSeq  int64  `json:"afterSeq" validate:"gte=0"`
}

// SessionStateEvent carries a session and the part of its log the receiver is missing.
type SessionStateEvent struct {
	Session  *Session   `json:"session"`
	Messages []*Message `json:"messages"`
}

// ParticipantRef identifies a participant in disconnect notices.
type ParticipantRef struct {
	ID string `json:"id"`
}

// PresenceSnapshotEvent is the point-in-time view sent to a newly joined operator.
type PresenceSnapshotEvent struct {
	Participants []*Participant `json:"participants"`
}

// ErrorEvent reports a rejected operation back to its sender.
type ErrorEvent struct {
	Code      ErrorCode `json:"code"`
	Reason    string    `json:"reason"`
	Event     string    `json:"event,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}
