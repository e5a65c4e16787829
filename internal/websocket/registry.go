package websocket

import (
	"sync"

	"go.uber.org/zap"

	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Registry maps participant ids to their current connection. It is the
// server-side interfaces.Notifier.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byRole      map[types.Role]map[string]*Connection
	logger      *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		byRole: map[types.Role]map[string]*Connection{
			types.RoleClient:   make(map[string]*Connection),
			types.RoleOperator: make(map[string]*Connection),
		},
		logger: logger.Named("registry"),
	}
}

// Register makes conn the current link of its participant. A previous link of
// the same participant is closed asynchronously and returned.
func (r *Registry) Register(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	id := conn.ParticipantID()
	if id == "" {
		return nil, ErrAnonymousConnection
	}
	role := conn.Role()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.connections[id]
	if ok && existing != conn {
		delete(r.byRole[existing.Role()], id)
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Debug("close replaced connection", zap.String("participant", id), zap.Error(err))
			}
		}()
	} else {
		existing = nil
	}
	for other, m := range r.byRole {
		if other != role {
			delete(m, id)
		}
	}

	r.connections[id] = conn
	if m, ok := r.byRole[role]; ok {
		m[id] = conn
	}
	return existing, nil
}

// Unregister removes conn only if it is still the current link of its
// participant, and reports whether it did.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}
	id := conn.ParticipantID()
	if id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.connections[id]
	if !ok || current != conn {
		return false
	}
	delete(r.connections, id)
	delete(r.byRole[conn.Role()], id)
	return true
}

// Get returns the current connection of a participant.
func (r *Registry) Get(participantID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[participantID]
	return conn, ok
}

func (r *Registry) IsConnected(participantID string) bool {
	_, ok := r.Get(participantID)
	return ok
}

func (r *Registry) Emit(participantID, event string, data interface{}) error {
	conn, ok := r.Get(participantID)
	if !ok {
		return interfaces.ErrNotConnected
	}
	if err := conn.Send(event, data); err != nil {
		r.logger.Debug("emit failed",
			zap.String("participant", participantID),
			zap.String("event", event),
			zap.Error(err))
		return err
	}
	return nil
}

// Broadcast sends to every connection holding role and returns how many
// frames were queued.
func (r *Registry) Broadcast(role types.Role, event string, data interface{}) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byRole[role]))
	for _, conn := range r.byRole[role] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	env, err := types.NewEnvelope(event, data)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}

	sent := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(env); err != nil {
			r.logger.Debug("broadcast failed",
				zap.String("participant", conn.ParticipantID()),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// CloseAll drains and closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Drain(c.writeTimeout)
		}(conn)
	}
	wg.Wait()
}

// Stats returns connection counts for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"clients":           len(r.byRole[types.RoleClient]),
		"operators":         len(r.byRole[types.RoleOperator]),
	}
}

var _ interfaces.Notifier = (*Registry)(nil)
