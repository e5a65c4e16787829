package archive

import (
	"context"
	"sort"
	"sync"

	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Memory keeps transcripts in process. Used by tests and single-node demos.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	messages map[string]map[string]*types.Message
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*types.Session),
		messages: make(map[string]map[string]*types.Message),
	}
}

func (m *Memory) SaveSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrArchiveClosed
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrArchiveClosed
	}
	log, ok := m.messages[msg.SessionID]
	if !ok {
		log = make(map[string]*types.Message)
		m.messages[msg.SessionID] = log
	}
	if existing, ok := log[msg.ID]; ok {
		existing.Delivery = msg.Delivery
		return nil
	}
	log[msg.ID] = msg.Clone()
	return nil
}

func (m *Memory) Transcript(ctx context.Context, sessionID string) (*types.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrTranscriptNotFound
	}
	msgs := make([]*types.Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		msgs = append(msgs, msg.Clone())
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return &types.Transcript{Session: s.Clone(), Messages: msgs}, nil
}

func (m *Memory) DeleteTranscript(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return interfaces.ErrTranscriptNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	return nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrArchiveClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ interfaces.Archive = (*Memory)(nil)
