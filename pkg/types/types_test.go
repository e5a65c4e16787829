package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsValidParticipantID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"client_1712345678", true},
		{"op-42", true},
		{"jane.doe", true},
		{"", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"has space", false},
		{"semi;colon", false},
	}

	for _, tt := range tests {
		if got := IsValidParticipantID(tt.id); got != tt.want {
			t.Errorf("IsValidParticipantID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		max     int
		wantErr error
	}{
		{"text ok", Payload{Type: MessageTypeText, Text: "hello"}, 0, nil},
		{"type defaults to text", Payload{Text: "hello"}, 0, nil},
		{"blank text", Payload{Type: MessageTypeText, Text: "   "}, 0, ErrEmptyMessage},
		{"text too long", Payload{Text: "abcdef"}, 5, ErrTextTooLong},
		{"multibyte counted by rune", Payload{Text: "ééééé"}, 5, nil},
		{"file without attachment", Payload{Type: MessageTypeFile}, 0, ErrMissingAttachment},
		{"file ok", Payload{Type: MessageTypeFile, File: &Attachment{URL: "https://cdn/x.png", Name: "x.png"}}, 0, nil},
		{"unknown type", Payload{Type: "sticker", Text: "x"}, 0, ErrInvalidMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate(tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRejection_IsMatchesByCode(t *testing.T) {
	err := Reject(CodeAssignmentConflict, "s1", "session %s already taken by %s", "s1", "op2")

	if !errors.Is(err, ErrAssignmentConflict) {
		t.Error("expected rejection to match ErrAssignmentConflict")
	}
	if errors.Is(err, ErrInvalidSessionState) {
		t.Error("rejection should not match a different code")
	}

	wrapped := fmt.Errorf("accept: %w", err)
	if !errors.Is(wrapped, ErrAssignmentConflict) {
		t.Error("wrapped rejection should still match")
	}

	r := AsRejection(wrapped)
	if r.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", r.SessionID)
	}
	if got := AsRejection(errors.New("boom")).Code; got != CodeInternal {
		t.Errorf("plain error code = %q, want %q", got, CodeInternal)
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:         "s1",
		State:      SessionActive,
		AcceptedAt: &now,
		Meta:       map[string]string{"page": "/pricing"},
	}

	c := s.Clone()
	c.Meta["page"] = "/other"
	*c.AcceptedAt = now.Add(time.Hour)

	if s.Meta["page"] != "/pricing" {
		t.Error("clone shares meta map with original")
	}
	if !s.AcceptedAt.Equal(now) {
		t.Error("clone shares AcceptedAt with original")
	}
	if (*Session)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventChatQueued, &ChatQueuedEvent{SessionID: "s1", Position: 2})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"event":"chat:queued","data":{"sessionId":"s1","position":2}}`
	if string(raw) != want {
		t.Errorf("envelope = %s, want %s", raw, want)
	}

	ping, _ := NewEnvelope(EventPing, nil)
	raw, _ = json.Marshal(ping)
	if string(raw) != `{"event":"ping"}` {
		t.Errorf("ping envelope = %s", raw)
	}
}

func TestSendMessageRequest_PayloadDefaultsType(t *testing.T) {
	req := &SendMessageRequest{SessionID: "s1", Text: "hi", ClientMessageID: "c1"}
	p := req.Payload()
	if p.Type != MessageTypeText {
		t.Errorf("Type = %q, want text", p.Type)
	}
	if p.ClientMessageID != "c1" {
		t.Errorf("ClientMessageID = %q, want c1", p.ClientMessageID)
	}
}
