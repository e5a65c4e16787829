// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"sync"

	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Sent is one recorded emission.
type Sent struct {
	To    string
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the payload into v.
func (s Sent) Decode(v interface{}) error {
	return json.Unmarshal(s.Data, v)
}

// Notifier records emissions instead of writing to sockets. Participants in
// Offline are treated as not connected.
type Notifier struct {
	mu      sync.Mutex
	sent    []Sent
	roles   map[string]types.Role
	offline map[string]bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		roles:   make(map[string]types.Role),
		offline: make(map[string]bool),
	}
}

// Connect marks a participant as reachable with role.
func (n *Notifier) Connect(id string, role types.Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roles[id] = role
	delete(n.offline, id)
}

// Drop marks a participant as unreachable.
func (n *Notifier) Drop(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[id] = true
}

func (n *Notifier) Emit(participantID, event string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.roles[participantID]; !ok || n.offline[participantID] {
		return interfaces.ErrNotConnected
	}
	n.record(participantID, event, data)
	return nil
}

func (n *Notifier) Broadcast(role types.Role, event string, data interface{}) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for id, r := range n.roles {
		if r == role && !n.offline[id] {
			n.record(id, event, data)
			count++
		}
	}
	return count
}

func (n *Notifier) IsConnected(participantID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.roles[participantID]
	return ok && !n.offline[participantID]
}

func (n *Notifier) record(to, event string, data interface{}) {
	raw, _ := json.Marshal(data)
	n.sent = append(n.sent, Sent{To: to, Event: event, Data: raw})
}

// For returns what one participant received, optionally filtered by event.
func (n *Notifier) For(id string, events ...string) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Sent
	for _, s := range n.sent {
		if s.To != id {
			continue
		}
		if len(events) > 0 && !contains(events, s.Event) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Last returns the latest emission of event to id.
func (n *Notifier) Last(id, event string) (Sent, bool) {
	got := n.For(id, event)
	if len(got) == 0 {
		return Sent{}, false
	}
	return got[len(got)-1], true
}

// Reset forgets recorded emissions.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ interfaces.Notifier = (*Notifier)(nil)
