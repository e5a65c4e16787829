package facade

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"livedesk/pkg/types"
)

type OperatorOptions struct {
	ID   string
	Name string
	// Token is the operator JWT, required when the server verifies tokens.
	Token        string
	Meta         map[string]string
	UpdateBuffer int
}

// Operator is the support agent's view: a cached queue plus the sessions it
// currently holds.
type Operator struct {
	*stream
	opts OperatorOptions

	mu         sync.Mutex
	registered bool
	queue      map[string]*types.Session
	held       map[string]*types.Session
}

func NewOperator(ch Channel, opts OperatorOptions) *Operator {
	o := &Operator{
		stream: newStream(ch, opts.UpdateBuffer),
		opts:   opts,
		queue:  make(map[string]*types.Session),
		held:   make(map[string]*types.Session),
	}
	o.on(EventOpen, o.onOpen)
	o.on(types.EventParticipantConnected, o.forward(types.EventParticipantConnected))
	o.on(types.EventQueueSnapshot, o.onSnapshot)
	o.on(types.EventQueueUpdated, o.onQueueUpdated)
	o.on(types.EventSessionState, o.onState)
	o.on(types.EventChatEnded, o.onEnded)
	o.on(types.EventMessageReceived, o.forward(types.EventMessageReceived))
	o.on(types.EventMessageAck, o.forward(types.EventMessageAck))
	o.on(types.EventParticipantJoined, o.forward(types.EventParticipantJoined))
	o.on(types.EventParticipantUpdated, o.forward(types.EventParticipantUpdated))
	o.on(types.EventParticipantDisconnect, o.forward(types.EventParticipantDisconnect))
	o.on(types.EventPresenceSnapshot, o.forward(types.EventPresenceSnapshot))
	o.on(types.EventError, o.onError)
	return o
}

func (o *Operator) ID() string { return o.opts.ID }

func (o *Operator) Connect() error {
	o.mu.Lock()
	o.registered = true
	o.mu.Unlock()
	return o.emit(types.EventParticipantConnect, &types.ConnectRequest{
		ID:    o.opts.ID,
		Role:  types.RoleOperator,
		Name:  o.opts.Name,
		Token: o.opts.Token,
		Meta:  o.opts.Meta,
	})
}

// ListQueue returns the cached queue, oldest first.
func (o *Operator) ListQueue() []*types.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedSessions(o.queue)
}

// Sessions returns the sessions this operator holds.
func (o *Operator) Sessions() []*types.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedSessions(o.held)
}

// AcceptSession asks for the session. A lost race arrives on Updates as an
// error update with code assignment_conflict.
func (o *Operator) AcceptSession(sessionID string) error {
	return o.emit(types.EventChatAccept, &types.SessionRef{SessionID: sessionID})
}

// SendMessage sends text into a held session and returns its client message id.
func (o *Operator) SendMessage(sessionID, text string) (string, error) {
	o.mu.Lock()
	_, ok := o.held[sessionID]
	o.mu.Unlock()
	if !ok {
		return "", ErrNoSession
	}
	id := uuid.NewString()
	return id, o.emit(types.EventMessageSend, &types.SendMessageRequest{
		SessionID:       sessionID,
		Type:            types.MessageTypeText,
		Text:            text,
		ClientMessageID: id,
	})
}

func (o *Operator) EndSession(sessionID string) error {
	return o.emit(types.EventChatEnd, &types.SessionRef{SessionID: sessionID})
}

// Logout leaves for good. Held sessions go back to the queue on the server.
func (o *Operator) Logout() error {
	o.mu.Lock()
	o.registered = false
	o.held = make(map[string]*types.Session)
	o.mu.Unlock()
	return o.emit(types.EventParticipantLogout, struct{}{})
}

func (o *Operator) Updates() <-chan Update {
	return o.updates
}

func (o *Operator) Close() {
	o.close()
}

func (o *Operator) onOpen(json.RawMessage) {
	o.mu.Lock()
	again := o.registered
	o.mu.Unlock()
	if again {
		_ = o.Connect()
	}
}

func (o *Operator) onSnapshot(data json.RawMessage) {
	var sessions []*types.Session
	if json.Unmarshal(data, &sessions) != nil {
		return
	}
	o.mu.Lock()
	o.queue = make(map[string]*types.Session, len(sessions))
	for _, s := range sessions {
		o.queue[s.ID] = s
	}
	o.mu.Unlock()
	o.push(Update{Event: types.EventQueueSnapshot, Data: data})
}

func (o *Operator) onQueueUpdated(data json.RawMessage) {
	var ev types.QueueUpdatedEvent
	if json.Unmarshal(data, &ev) != nil || ev.Session == nil {
		return
	}
	o.mu.Lock()
	switch ev.Action {
	case types.QueueActionQueued, types.QueueActionRequeued:
		o.queue[ev.Session.ID] = ev.Session
	case types.QueueActionTaken, types.QueueActionEnded:
		delete(o.queue, ev.Session.ID)
	}
	o.mu.Unlock()
	o.push(Update{Event: types.EventQueueUpdated, Data: data})
}

func (o *Operator) onState(data json.RawMessage) {
	var ev types.SessionStateEvent
	if json.Unmarshal(data, &ev) != nil || ev.Session == nil {
		return
	}
	o.mu.Lock()
	if ev.Session.OperatorID == o.opts.ID && !ev.Session.IsEnded() {
		o.held[ev.Session.ID] = ev.Session
		delete(o.queue, ev.Session.ID)
	}
	o.mu.Unlock()
	o.push(Update{Event: types.EventSessionState, Data: data})
}

func (o *Operator) onEnded(data json.RawMessage) {
	var ev types.ChatEndedEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	o.mu.Lock()
	delete(o.held, ev.SessionID)
	o.mu.Unlock()
	o.push(Update{Event: types.EventChatEnded, Data: data})
}

func (o *Operator) onError(data json.RawMessage) {
	u := errorUpdate(data)
	if u.Err != nil && u.Err.Code == types.CodeAssignmentConflict {
		o.mu.Lock()
		delete(o.queue, u.Err.SessionID)
		o.mu.Unlock()
	}
	o.push(u)
}

func (o *Operator) forward(event string) func(json.RawMessage) {
	return func(data json.RawMessage) { o.push(Update{Event: event, Data: data}) }
}

func sortedSessions(m map[string]*types.Session) []*types.Session {
	out := make([]*types.Session, 0, len(m))
	for _, s := range m {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
