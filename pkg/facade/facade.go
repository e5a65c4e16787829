package facade

import (
	"encoding/json"
	"errors"
	"sync"

	"livedesk/pkg/types"
)

var (
	ErrNoSession = errors.New("no open chat session")
	ErrClosed    = errors.New("facade is closed")
)

const defaultUpdateBuffer = 128

// Update is one inbound event surfaced to the UI layer.
type Update struct {
	Event string
	Data  json.RawMessage
	// Err is set for error events, e.g. an assignment_conflict notice.
	Err *types.Rejection
}

// Decode unmarshals the update payload into v.
func (u Update) Decode(v interface{}) error {
	return json.Unmarshal(u.Data, v)
}

// stream holds the subscriptions and the update channel both facades share.
type stream struct {
	ch      Channel
	subs    []func()
	updates chan Update

	mu     sync.Mutex
	closed bool
}

func newStream(ch Channel, buffer int) *stream {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	return &stream{ch: ch, updates: make(chan Update, buffer)}
}

func (s *stream) on(event string, handler func(json.RawMessage)) {
	s.subs = append(s.subs, s.ch.Subscribe(event, handler))
}

func (s *stream) emit(event string, data interface{}) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.ch.Emit(event, data)
}

// push surfaces an update without blocking the transport. A full buffer
// drops the update.
func (s *stream) push(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
	}
}

func (s *stream) close() {
	for _, cancel := range s.subs {
		cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}

func errorUpdate(data json.RawMessage) Update {
	u := Update{Event: types.EventError, Data: data}
	var e types.ErrorEvent
	if json.Unmarshal(data, &e) == nil {
		u.Err = &types.Rejection{Code: e.Code, Reason: e.Reason, SessionID: e.SessionID}
	}
	return u
}
