package facade

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"livedesk/pkg/types"
)

type CustomerOptions struct {
	// ID is generated as client_<uuid> when empty.
	ID           string
	Name         string
	Meta         map[string]string
	UpdateBuffer int
}

// Customer is the website visitor's view of a chat. Sends are optimistic:
// each message stays pending until the server acks it and is sent again
// after a reattach.
type Customer struct {
	*stream
	id   string
	name string
	meta map[string]string

	mu         sync.Mutex
	registered bool
	sessionID  string
	state      types.SessionState
	lastSeq    int64
	pending    map[string]*types.SendMessageRequest
	order      []string
}

func NewCustomer(ch Channel, opts CustomerOptions) *Customer {
	id := opts.ID
	if id == "" {
		id = "client_" + uuid.NewString()
	}
	c := &Customer{
		stream:  newStream(ch, opts.UpdateBuffer),
		id:      id,
		name:    opts.Name,
		meta:    opts.Meta,
		pending: make(map[string]*types.SendMessageRequest),
	}
	c.on(EventOpen, c.onOpen)
	c.on(types.EventParticipantConnected, c.onConnected)
	c.on(types.EventChatQueued, c.onQueued(types.EventChatQueued))
	c.on(types.EventChatRequeued, c.onQueued(types.EventChatRequeued))
	c.on(types.EventChatAccepted, c.onAccepted)
	c.on(types.EventChatEnded, c.onEnded)
	c.on(types.EventMessageAck, c.onAck)
	c.on(types.EventMessageReceived, c.onReceived)
	c.on(types.EventSessionState, c.onState)
	c.on(types.EventOperatorStatus, c.forward(types.EventOperatorStatus))
	c.on(types.EventError, func(data json.RawMessage) { c.push(errorUpdate(data)) })
	return c
}

func (c *Customer) ID() string { return c.id }

// Connect registers the customer, asking for anything after the last seen seq.
func (c *Customer) Connect() error {
	c.mu.Lock()
	c.registered = true
	req := &types.ConnectRequest{ID: c.id, Role: types.RoleClient, Name: c.name, LastSeq: c.lastSeq, Meta: c.meta}
	c.mu.Unlock()
	return c.emit(types.EventParticipantConnect, req)
}

func (c *Customer) RequestChat(meta map[string]string) error {
	return c.emit(types.EventChatRequest, &types.ChatRequest{ClientID: c.id, Meta: meta})
}

// SendMessage queues text for the open session and returns its client message id.
func (c *Customer) SendMessage(text string) (string, error) {
	return c.send(&types.SendMessageRequest{Type: types.MessageTypeText, Text: text})
}

// SendFile shares an already uploaded attachment.
func (c *Customer) SendFile(file *types.Attachment, caption string) (string, error) {
	return c.send(&types.SendMessageRequest{Type: types.MessageTypeFile, Text: caption, File: file})
}

func (c *Customer) send(req *types.SendMessageRequest) (string, error) {
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return "", ErrNoSession
	}
	req.SessionID = c.sessionID
	req.ClientMessageID = uuid.NewString()
	c.pending[req.ClientMessageID] = req
	c.order = append(c.order, req.ClientMessageID)
	c.mu.Unlock()

	// a failed write stays pending and goes out again on reattach
	return req.ClientMessageID, c.emit(types.EventMessageSend, req)
}

func (c *Customer) EndChat() error {
	sid := c.SessionID()
	if sid == "" {
		return ErrNoSession
	}
	return c.emit(types.EventChatEnd, &types.SessionRef{SessionID: sid})
}

// Resume asks for the log after the last seen seq.
func (c *Customer) Resume() error {
	c.mu.Lock()
	sid, after := c.sessionID, c.lastSeq
	c.mu.Unlock()
	if sid == "" {
		return ErrNoSession
	}
	return c.emit(types.EventSessionResume, &types.ResumeRequest{SessionID: sid, AfterSeq: after})
}

func (c *Customer) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Customer) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Customer) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Pending returns unacknowledged sends in send order.
func (c *Customer) Pending() []types.SendMessageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.SendMessageRequest, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.pending[id])
	}
	return out
}

// Updates streams every inbound event. It is closed by Close.
func (c *Customer) Updates() <-chan Update {
	return c.updates
}

func (c *Customer) Close() {
	c.close()
}

func (c *Customer) onOpen(json.RawMessage) {
	c.mu.Lock()
	again := c.registered
	c.mu.Unlock()
	if again {
		_ = c.Connect()
	}
}

func (c *Customer) onConnected(data json.RawMessage) {
	var ev types.ConnectedEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}

	c.mu.Lock()
	var resend []*types.SendMessageRequest
	if ev.Session != nil && !ev.Session.IsEnded() {
		c.sessionID, c.state = ev.Session.ID, ev.Session.State
		c.observeLocked(ev.Messages)
		for _, id := range c.order {
			if p := c.pending[id]; p.SessionID == c.sessionID {
				resend = append(resend, p)
			}
		}
	} else {
		c.clearLocked()
	}
	c.mu.Unlock()

	for _, p := range resend {
		_ = c.emit(types.EventMessageSend, p)
	}
	c.push(Update{Event: types.EventParticipantConnected, Data: data})
}

func (c *Customer) onQueued(event string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var ev types.ChatQueuedEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		c.mu.Lock()
		c.sessionID, c.state = ev.SessionID, types.SessionQueued
		c.mu.Unlock()
		c.push(Update{Event: event, Data: data})
	}
}

func (c *Customer) onAccepted(data json.RawMessage) {
	var ev types.ChatAcceptedEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	c.mu.Lock()
	c.sessionID, c.state = ev.SessionID, types.SessionActive
	c.mu.Unlock()
	c.push(Update{Event: types.EventChatAccepted, Data: data})
}

func (c *Customer) onEnded(data json.RawMessage) {
	var ev types.ChatEndedEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	c.mu.Lock()
	if ev.SessionID == c.sessionID {
		c.clearLocked()
		c.state = types.SessionEnded
	}
	c.mu.Unlock()
	c.push(Update{Event: types.EventChatEnded, Data: data})
}

func (c *Customer) onAck(data json.RawMessage) {
	var ev types.MessageAckEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	c.mu.Lock()
	if _, ok := c.pending[ev.ClientMessageID]; ok {
		delete(c.pending, ev.ClientMessageID)
		for i, id := range c.order {
			if id == ev.ClientMessageID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	if ev.Seq > c.lastSeq {
		c.lastSeq = ev.Seq
	}
	c.mu.Unlock()
	c.push(Update{Event: types.EventMessageAck, Data: data})
}

func (c *Customer) onReceived(data json.RawMessage) {
	var ev types.MessageReceivedEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	c.mu.Lock()
	if ev.Seq > c.lastSeq {
		c.lastSeq = ev.Seq
	}
	c.mu.Unlock()
	c.push(Update{Event: types.EventMessageReceived, Data: data})
}

func (c *Customer) onState(data json.RawMessage) {
	var ev types.SessionStateEvent
	if json.Unmarshal(data, &ev) != nil || ev.Session == nil {
		return
	}
	c.mu.Lock()
	if !ev.Session.IsEnded() {
		c.sessionID, c.state = ev.Session.ID, ev.Session.State
	}
	c.observeLocked(ev.Messages)
	c.mu.Unlock()
	c.push(Update{Event: types.EventSessionState, Data: data})
}

func (c *Customer) forward(event string) func(json.RawMessage) {
	return func(data json.RawMessage) { c.push(Update{Event: event, Data: data}) }
}

func (c *Customer) observeLocked(msgs []*types.Message) {
	for _, m := range msgs {
		if m.Seq > c.lastSeq {
			c.lastSeq = m.Seq
		}
	}
}

func (c *Customer) clearLocked() {
	c.sessionID = ""
	c.state = ""
	c.lastSeq = 0
	c.pending = make(map[string]*types.SendMessageRequest)
	c.order = nil
}
