// Package session runs the chat state machine: none -> queued -> active -> ended.
// It pairs clients with operators, holds grace timers for dropped links and
// owns the call order into presence and relay.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedesk/internal/metrics"
	"livedesk/internal/presence"
	"livedesk/internal/relay"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Options holds the grace periods and archive timeout.
type Options struct {
	ClientGracePeriod   time.Duration
	OperatorGracePeriod time.Duration
	ArchiveTimeout      time.Duration
}

type record struct {
	session  *types.Session
	queuedAt time.Time
}

type graceTimer struct {
	timer *time.Timer
}

// Coordinator is safe for concurrent use. Every mutation runs under one lock,
// and events are emitted before the lock is released.
type Coordinator struct {
	mu         sync.Mutex
	sessions   map[string]*record
	byClient   map[string]string
	byOperator map[string]map[string]struct{}
	timers     map[string]*graceTimer
	available  bool
	closed     bool

	presence *presence.Registry
	relay    *relay.Relay
	notifier interfaces.Notifier
	archive  interfaces.Archive
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New wires a coordinator. archive and m may be nil.
func New(reg *presence.Registry, rl *relay.Relay, notifier interfaces.Notifier, archive interfaces.Archive, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if reg == nil || rl == nil {
		return nil, ErrNilDependency
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		sessions:   make(map[string]*record),
		byClient:   make(map[string]string),
		byOperator: make(map[string]map[string]struct{}),
		timers:     make(map[string]*graceTimer),
		presence:   reg,
		relay:      rl,
		notifier:   notifier,
		archive:    archive,
		opts:       opts,
		logger:     logger.Named("session"),
		metrics:    m,
		now:        time.Now,
	}, nil
}

// Connect registers a participant whose link was just bound and brings it up
// to date. A client holding a non-ended session is reattached to it and gets
// the log after req.LastSeq. An operator gets the queue and the state of each
// session it still holds. Any pending grace timer for the id is cancelled.
func (c *Coordinator) Connect(ctx context.Context, req *types.ConnectRequest) (*types.ConnectedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	var err error
	switch req.Role {
	case types.RoleClient:
		_, _, err = c.presence.RegisterClient(req.ID, req.Name, req.Meta)
	case types.RoleOperator:
		_, _, err = c.presence.RegisterOperator(req.ID, req.Name, req.Meta)
	default:
		err = types.Reject(types.CodeInvalidPayload, "", "unknown role %q", req.Role)
	}
	if err != nil {
		return nil, err
	}
	resumed := c.cancelTimerLocked(req.ID)

	out := &types.ConnectedEvent{ID: req.ID, Role: req.Role, Resumed: resumed}

	if req.Role == types.RoleClient {
		if sid, ok := c.byClient[req.ID]; ok {
			rec := c.sessions[sid]
			msgs, err := c.relay.Replay(ctx, sid, req.ID, req.LastSeq)
			if err != nil {
				return nil, err
			}
			out.Resumed = true
			out.Session = c.viewLocked(rec)
			out.Messages = msgs
		}
		c.emit(req.ID, types.EventParticipantConnected, out)
		c.emit(req.ID, types.EventOperatorStatus, c.operatorStatusLocked())
		if out.Session != nil && out.Session.State == types.SessionQueued {
			c.emit(req.ID, types.EventChatQueued, &types.ChatQueuedEvent{
				SessionID: out.Session.ID,
				Position:  c.presence.Position(req.ID),
			})
		}
		c.refreshLocked()
		c.logger.Info("client connected", zap.String("id", req.ID), zap.Bool("resumed", out.Resumed))
		return out, nil
	}

	c.emit(req.ID, types.EventParticipantConnected, out)
	c.emit(req.ID, types.EventQueueSnapshot, c.queuedLocked())
	for sid := range c.byOperator[req.ID] {
		rec := c.sessions[sid]
		msgs, err := c.relay.Replay(ctx, sid, req.ID, 0)
		if err != nil {
			c.logger.Warn("operator replay failed", zap.String("session", sid), zap.Error(err))
			continue
		}
		c.emit(req.ID, types.EventSessionState, &types.SessionStateEvent{Session: c.viewLocked(rec), Messages: msgs})
	}
	c.refreshLocked()
	c.logger.Info("operator connected", zap.String("id", req.ID), zap.Bool("resumed", resumed))
	return out, nil
}

// Disconnect handles a dropped link. The participant goes offline and its
// grace timer starts; expiry abandons a client's session or re-queues an
// operator's sessions. Unknown ids are ignored.
func (c *Coordinator) Disconnect(participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.presence.Get(participantID)
	if !ok || c.closed {
		return
	}
	if err := c.presence.SetOnline(participantID, false); err != nil {
		c.logger.Debug("set offline failed", zap.String("id", participantID), zap.Error(err))
	}

	grace := c.opts.ClientGracePeriod
	expire := c.expireClientLocked
	if p.Role == types.RoleOperator {
		grace = c.opts.OperatorGracePeriod
		expire = c.expireOperatorLocked
	}

	c.cancelTimerLocked(participantID)
	if grace <= 0 {
		expire(participantID)
		c.refreshLocked()
		return
	}

	gt := &graceTimer{}
	gt.timer = time.AfterFunc(grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.timers[participantID] != gt {
			return
		}
		delete(c.timers, participantID)
		expire(participantID)
		c.refreshLocked()
	})
	c.timers[participantID] = gt
	c.refreshLocked()

	c.logger.Info("participant offline, grace period started",
		zap.String("id", participantID),
		zap.String("role", string(p.Role)),
		zap.Duration("grace", grace))
}

// Logout removes an operator immediately and re-queues every session it held.
func (c *Coordinator) Logout(ctx context.Context, operatorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.presence.Get(operatorID)
	if !ok {
		return types.Reject(types.CodePresenceNotFound, "", "operator %s is not registered", operatorID)
	}
	if p.Role != types.RoleOperator {
		return types.Reject(types.CodeUnauthorized, "", "%s is not an operator", operatorID)
	}

	c.cancelTimerLocked(operatorID)
	c.requeueOperatorLocked(ctx, operatorID)
	if err := c.presence.Unregister(operatorID); err != nil {
		return err
	}
	c.refreshLocked()
	c.logger.Info("operator logged out", zap.String("id", operatorID))
	return nil
}

func (c *Coordinator) expireClientLocked(clientID string) {
	if c.presence.IsOnline(clientID) {
		return
	}
	if sid, ok := c.byClient[clientID]; ok {
		c.endLocked(context.Background(), c.sessions[sid], types.EndAbandoned, "")
	}
	if err := c.presence.Unregister(clientID); err != nil {
		c.logger.Debug("unregister after grace failed", zap.String("id", clientID), zap.Error(err))
	}
	c.logger.Info("client grace period expired", zap.String("id", clientID))
}

func (c *Coordinator) expireOperatorLocked(operatorID string) {
	if c.presence.IsOnline(operatorID) {
		return
	}
	c.requeueOperatorLocked(context.Background(), operatorID)
	if err := c.presence.Unregister(operatorID); err != nil {
		c.logger.Debug("unregister after grace failed", zap.String("id", operatorID), zap.Error(err))
	}
	c.logger.Info("operator grace period expired", zap.String("id", operatorID))
}

// cancelTimerLocked stops a pending grace timer and reports whether one existed.
func (c *Coordinator) cancelTimerLocked(participantID string) bool {
	gt, ok := c.timers[participantID]
	if !ok {
		return false
	}
	gt.timer.Stop()
	delete(c.timers, participantID)
	return true
}

func (c *Coordinator) operatorStatusLocked() *types.OperatorStatusEvent {
	n := c.presence.OnlineOperators()
	return &types.OperatorStatusEvent{Available: n > 0, Online: n}
}

// refreshLocked pushes operator availability to clients when it flips and
// updates the gauges.
func (c *Coordinator) refreshLocked() {
	status := c.operatorStatusLocked()
	if status.Available != c.available {
		c.available = status.Available
		if c.notifier != nil {
			c.notifier.Broadcast(types.RoleClient, types.EventOperatorStatus, status)
		}
	}

	active := 0
	for _, rec := range c.sessions {
		if rec.session.State == types.SessionActive {
			active++
		}
	}
	c.metrics.SetPresence(len(c.presence.WaitingIDs()), status.Online)
	c.metrics.SetActiveSessions(active)
}

func (c *Coordinator) emit(participantID, event string, data interface{}) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Emit(participantID, event, data); err != nil {
		c.logger.Debug("emit skipped",
			zap.String("to", participantID),
			zap.String("event", event),
			zap.Error(err))
	}
}

func (c *Coordinator) broadcastOperators(event string, data interface{}) {
	if c.notifier == nil {
		return
	}
	c.notifier.Broadcast(types.RoleOperator, event, data)
}

// saveLocked writes the session header through to the archive.
func (c *Coordinator) saveLocked(ctx context.Context, rec *record) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ArchiveTimeout)
	defer cancel()
	if err := c.archive.SaveSession(ctx, c.viewLocked(rec)); err != nil {
		c.logger.Warn("archive session save failed", zap.String("session", rec.session.ID), zap.Error(err))
	}
}

// viewLocked copies a session with a current message count.
func (c *Coordinator) viewLocked(rec *record) *types.Session {
	rec.session.MessageCount = c.relay.Count(rec.session.ID)
	return rec.session.Clone()
}
