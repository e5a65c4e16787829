// Package presence tracks who is online: waiting clients in arrival order and
// operators with their active-session load. Operators are told about every
// change. Nothing is persisted.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

type Registry struct {
	mu           sync.RWMutex
	participants map[string]*types.Participant
	waiting      []string
	notifier     interfaces.Notifier
	logger       *zap.Logger
	now          func() time.Time
}

func NewRegistry(notifier interfaces.Notifier, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		participants: make(map[string]*types.Participant),
		notifier:     notifier,
		logger:       logger.Named("presence"),
		now:          time.Now,
	}
}

// RegisterClient records a client as online. The boolean reports whether the
// client was already known (a reconnect within its grace period).
func (r *Registry) RegisterClient(id, name string, meta map[string]string) (*types.Participant, bool, error) {
	return r.register(id, types.RoleClient, name, meta)
}

// RegisterOperator records an operator as online and sends it a presence snapshot.
func (r *Registry) RegisterOperator(id, name string, meta map[string]string) (*types.Participant, bool, error) {
	p, known, err := r.register(id, types.RoleOperator, name, meta)
	if err != nil {
		return nil, false, err
	}
	r.emit(id, types.EventPresenceSnapshot, &types.PresenceSnapshotEvent{Participants: r.List()})
	return p, known, nil
}

func (r *Registry) register(id string, role types.Role, name string, meta map[string]string) (*types.Participant, bool, error) {
	if !types.IsValidParticipantID(id) {
		return nil, false, types.ErrInvalidParticipantID
	}

	r.mu.Lock()
	now := r.now()
	p, known := r.participants[id]
	if known && p.Role != role {
		r.mu.Unlock()
		return nil, false, types.Reject(types.CodeUnauthorized, "", "participant %s is already registered as %s", id, p.Role)
	}
	if !known {
		p = &types.Participant{ID: id, Role: role, ConnectedAt: now}
		r.participants[id] = p
	}
	p.Online = true
	p.LastSeen = now
	if name != "" {
		p.Name = name
	}
	if meta != nil {
		p.Meta = copyMeta(meta)
	}
	view := r.viewLocked(p)
	r.mu.Unlock()

	event := types.EventParticipantJoined
	if known {
		event = types.EventParticipantUpdated
	}
	r.broadcast(event, view)
	r.logger.Debug("participant online", zap.String("id", id), zap.String("role", string(role)), zap.Bool("known", known))
	return view, known, nil
}

// Unregister removes a participant entirely and tells operators.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, ok := r.participants[id]; !ok {
		r.mu.Unlock()
		return types.Reject(types.CodePresenceNotFound, "", "participant %s is not registered", id)
	}
	delete(r.participants, id)
	r.removeWaitingLocked(id)
	r.mu.Unlock()

	r.broadcast(types.EventParticipantDisconnect, &types.ParticipantRef{ID: id})
	r.logger.Debug("participant removed", zap.String("id", id))
	return nil
}

// SetOnline flips the online flag without removing the participant.
func (r *Registry) SetOnline(id string, online bool) error {
	r.mu.Lock()
	p, ok := r.participants[id]
	if !ok {
		r.mu.Unlock()
		return types.Reject(types.CodePresenceNotFound, "", "participant %s is not registered", id)
	}
	changed := p.Online != online
	p.Online = online
	p.LastSeen = r.now()
	view := r.viewLocked(p)
	r.mu.Unlock()

	if changed {
		r.broadcast(types.EventParticipantUpdated, view)
	}
	return nil
}

// Enqueue appends a client to the waiting list and returns its 1-based position.
// A client already waiting keeps its place.
func (r *Registry) Enqueue(clientID string) (int, error) {
	r.mu.Lock()
	p, ok := r.participants[clientID]
	if !ok {
		r.mu.Unlock()
		return 0, types.Reject(types.CodePresenceNotFound, "", "client %s is not registered", clientID)
	}
	if p.Role != types.RoleClient {
		r.mu.Unlock()
		return 0, types.Reject(types.CodeUnauthorized, "", "%s is not a client", clientID)
	}
	pos := r.positionLocked(clientID)
	if pos == 0 {
		r.waiting = append(r.waiting, clientID)
		pos = len(r.waiting)
	}
	view := r.viewLocked(p)
	r.mu.Unlock()

	r.broadcast(types.EventParticipantUpdated, view)
	return pos, nil
}

// Dequeue removes a client from the waiting list. It is a no-op for clients
// that are not waiting.
func (r *Registry) Dequeue(clientID string) {
	r.mu.Lock()
	removed := r.removeWaitingLocked(clientID)
	var view *types.Participant
	if p, ok := r.participants[clientID]; ok && removed {
		view = r.viewLocked(p)
	}
	r.mu.Unlock()

	if view != nil {
		r.broadcast(types.EventParticipantUpdated, view)
	}
}

// Position returns the 1-based queue position, or 0 when not waiting.
func (r *Registry) Position(clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.positionLocked(clientID)
}

// AdjustActive changes an operator's active-session count by delta, never below zero.
func (r *Registry) AdjustActive(operatorID string, delta int) {
	r.mu.Lock()
	p, ok := r.participants[operatorID]
	if !ok || p.Role != types.RoleOperator {
		r.mu.Unlock()
		return
	}
	p.ActiveSessions += delta
	if p.ActiveSessions < 0 {
		p.ActiveSessions = 0
	}
	view := r.viewLocked(p)
	r.mu.Unlock()

	r.broadcast(types.EventParticipantUpdated, view)
}

// Get returns a copy of a participant record.
func (r *Registry) Get(id string) (*types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, false
	}
	return r.viewLocked(p), true
}

// IsOnline reports whether id is registered and currently connected.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return ok && p.Online
}

// ListWaitingClients returns waiting clients in arrival order.
func (r *Registry) ListWaitingClients() []*types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Participant, 0, len(r.waiting))
	for _, id := range r.waiting {
		if p, ok := r.participants[id]; ok {
			out = append(out, r.viewLocked(p))
		}
	}
	return out
}

// WaitingIDs returns the waiting client ids in arrival order.
func (r *Registry) WaitingIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.waiting...)
}

// ListOperators returns registered operators ordered by id.
func (r *Registry) ListOperators() []*types.Participant {
	return r.listRole(types.RoleOperator)
}

// OnlineOperators counts operators with an open link.
func (r *Registry) OnlineOperators() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.Role == types.RoleOperator && p.Online {
			n++
		}
	}
	return n
}

// List returns every participant, operators first, each group ordered by id.
func (r *Registry) List() []*types.Participant {
	return append(r.listRole(types.RoleOperator), r.listRole(types.RoleClient)...)
}

func (r *Registry) listRole(role types.Role) []*types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Participant, 0)
	for _, p := range r.participants {
		if p.Role == role {
			out = append(out, r.viewLocked(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// viewLocked copies p with its queue position filled in.
func (r *Registry) viewLocked(p *types.Participant) *types.Participant {
	v := p.Clone()
	if p.Role == types.RoleClient {
		v.QueuePosition = r.positionLocked(p.ID)
	}
	return v
}

func (r *Registry) positionLocked(clientID string) int {
	for i, id := range r.waiting {
		if id == clientID {
			return i + 1
		}
	}
	return 0
}

func (r *Registry) removeWaitingLocked(clientID string) bool {
	for i, id := range r.waiting {
		if id == clientID {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) broadcast(event string, data interface{}) {
	if r.notifier == nil {
		return
	}
	r.notifier.Broadcast(types.RoleOperator, event, data)
}

func (r *Registry) emit(id, event string, data interface{}) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Emit(id, event, data); err != nil {
		r.logger.Debug("presence emit failed", zap.String("id", id), zap.String("event", event), zap.Error(err))
	}
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
