package session

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livedesk/pkg/types"
)

// RequestChat queues a new session for clientID. A client that already holds
// a non-ended session gets that session back.
func (c *Coordinator) RequestChat(ctx context.Context, clientID string, meta map[string]string) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	p, err := c.participantLocked(clientID, types.RoleClient)
	if err != nil {
		return nil, err
	}

	if sid, ok := c.byClient[clientID]; ok {
		rec := c.sessions[sid]
		if rec.session.State == types.SessionQueued {
			c.emit(clientID, types.EventChatQueued, &types.ChatQueuedEvent{
				SessionID: sid,
				Position:  c.presence.Position(clientID),
			})
		}
		c.emit(clientID, types.EventOperatorStatus, c.operatorStatusLocked())
		return c.viewLocked(rec), nil
	}

	now := c.now().UTC()
	s := &types.Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		ClientName: p.Name,
		State:      types.SessionQueued,
		CreatedAt:  now,
		Meta:       mergeMeta(p.Meta, meta),
	}
	if err := c.relay.Open(s.ID, clientID); err != nil {
		return nil, err
	}
	pos, err := c.presence.Enqueue(clientID)
	if err != nil {
		c.relay.Forget(s.ID)
		return nil, err
	}

	rec := &record{session: s, queuedAt: now}
	c.sessions[s.ID] = rec
	c.byClient[clientID] = s.ID
	c.saveLocked(ctx, rec)

	view := c.viewLocked(rec)
	c.emit(clientID, types.EventChatQueued, &types.ChatQueuedEvent{SessionID: s.ID, Position: pos})
	c.emit(clientID, types.EventOperatorStatus, c.operatorStatusLocked())
	c.broadcastOperators(types.EventQueueUpdated, &types.QueueUpdatedEvent{Action: types.QueueActionQueued, Session: view})

	c.metrics.SessionCreated()
	c.refreshLocked()
	c.logger.Info("chat requested", zap.String("session", s.ID), zap.String("client", clientID), zap.Int("position", pos))
	return view, nil
}

// AcceptSession assigns a queued session to operatorID. The first accept wins;
// later operators get an assignment conflict and the winner may repeat the
// call without effect.
func (c *Coordinator) AcceptSession(ctx context.Context, operatorID, sessionID string) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[sessionID]
	if !ok {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	p, err := c.participantLocked(operatorID, types.RoleOperator)
	if err != nil {
		return nil, err
	}

	s := rec.session
	switch s.State {
	case types.SessionActive:
		if s.OperatorID == operatorID {
			return c.viewLocked(rec), nil
		}
		c.metrics.AssignmentConflict()
		c.logger.Info("assignment conflict",
			zap.String("session", sessionID),
			zap.String("operator", operatorID),
			zap.String("owner", s.OperatorID))
		return nil, types.Reject(types.CodeAssignmentConflict, sessionID, "session %s is already assigned to %s", sessionID, s.OperatorID)
	case types.SessionEnded:
		return nil, types.Reject(types.CodeInvalidSessionState, sessionID, "session %s has ended", sessionID)
	}

	if err := c.relay.Attach(sessionID, operatorID); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	s.OperatorID = operatorID
	s.OperatorName = p.Name
	s.State = types.SessionActive
	s.AcceptedAt = &now

	if c.byOperator[operatorID] == nil {
		c.byOperator[operatorID] = make(map[string]struct{})
	}
	c.byOperator[operatorID][sessionID] = struct{}{}
	c.presence.Dequeue(s.ClientID)
	c.presence.AdjustActive(operatorID, 1)
	c.metrics.ObserveQueueWait(now.Sub(rec.queuedAt))
	c.saveLocked(ctx, rec)

	msgs, err := c.relay.Replay(ctx, sessionID, operatorID, 0)
	if err != nil {
		c.logger.Warn("replay on accept failed", zap.String("session", sessionID), zap.Error(err))
	}
	view := c.viewLocked(rec)
	c.emit(s.ClientID, types.EventChatAccepted, &types.ChatAcceptedEvent{
		SessionID:    sessionID,
		OperatorID:   operatorID,
		OperatorName: p.Name,
	})
	c.emit(operatorID, types.EventSessionState, &types.SessionStateEvent{Session: view, Messages: msgs})
	c.broadcastOperators(types.EventQueueUpdated, &types.QueueUpdatedEvent{Action: types.QueueActionTaken, Session: view})
	c.notifyPositionsLocked()

	c.refreshLocked()
	c.logger.Info("session accepted", zap.String("session", sessionID), zap.String("operator", operatorID))
	return view, nil
}

// EndSession ends a queued or active session on behalf of one of its parties.
// A client ending a queued session cancels it.
func (c *Coordinator) EndSession(ctx context.Context, participantID, sessionID string) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[sessionID]
	if !ok {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	s := rec.session

	var reason types.EndReason
	switch {
	case participantID == s.ClientID:
		reason = types.EndClientEnded
		if s.State == types.SessionQueued {
			reason = types.EndCancelled
		}
	case s.OperatorID != "" && participantID == s.OperatorID:
		reason = types.EndOperatorEnded
	default:
		return nil, types.Reject(types.CodeUnauthorized, sessionID, "%s is not a party of session %s", participantID, sessionID)
	}
	if s.IsEnded() {
		return nil, types.Reject(types.CodeInvalidSessionState, sessionID, "session %s has already ended", sessionID)
	}

	c.endLocked(ctx, rec, reason, participantID)
	c.refreshLocked()
	return c.viewLocked(rec), nil
}

// endLocked moves a session to ended and tells both parties and the operators.
func (c *Coordinator) endLocked(ctx context.Context, rec *record, reason types.EndReason, endedBy string) {
	s := rec.session
	wasQueued := s.State == types.SessionQueued
	now := c.now().UTC()

	s.State = types.SessionEnded
	s.EndReason = reason
	s.EndedBy = endedBy
	s.EndedAt = &now
	delete(c.byClient, s.ClientID)
	if s.OperatorID != "" {
		c.releaseOperatorLocked(s.OperatorID, s.ID)
	}
	if wasQueued {
		c.presence.Dequeue(s.ClientID)
	}
	c.relay.Close(s.ID)
	c.saveLocked(ctx, rec)

	view := c.viewLocked(rec)
	ended := &types.ChatEndedEvent{SessionID: s.ID, Reason: reason, EndedBy: endedBy}
	c.emit(s.ClientID, types.EventChatEnded, ended)
	if s.OperatorID != "" {
		c.emit(s.OperatorID, types.EventChatEnded, ended)
	}
	c.broadcastOperators(types.EventQueueUpdated, &types.QueueUpdatedEvent{Action: types.QueueActionEnded, Session: view})
	if wasQueued {
		c.notifyPositionsLocked()
	}

	c.metrics.SessionEnded(string(reason))
	c.logger.Info("session ended",
		zap.String("session", s.ID),
		zap.String("reason", string(reason)),
		zap.String("ended_by", endedBy))
}

// requeueOperatorLocked puts every active session of operatorID back at the
// tail of the waiting list. The operator id is cleared and clients are told
// their new position.
func (c *Coordinator) requeueOperatorLocked(ctx context.Context, operatorID string) {
	ids := make([]string, 0, len(c.byOperator[operatorID]))
	for sid := range c.byOperator[operatorID] {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.sessions[ids[i]].session.AcceptedAt.Before(*c.sessions[ids[j]].session.AcceptedAt)
	})

	for _, sid := range ids {
		rec := c.sessions[sid]
		s := rec.session
		c.releaseOperatorLocked(operatorID, sid)
		c.relay.Detach(sid)
		s.OperatorID = ""
		s.OperatorName = ""
		s.AcceptedAt = nil
		s.State = types.SessionQueued
		rec.queuedAt = c.now().UTC()

		pos, err := c.presence.Enqueue(s.ClientID)
		if err != nil {
			c.logger.Warn("requeue enqueue failed", zap.String("session", sid), zap.Error(err))
		}
		c.saveLocked(ctx, rec)

		view := c.viewLocked(rec)
		c.emit(s.ClientID, types.EventChatRequeued, &types.ChatQueuedEvent{SessionID: sid, Position: pos})
		c.broadcastOperators(types.EventQueueUpdated, &types.QueueUpdatedEvent{Action: types.QueueActionRequeued, Session: view})
		c.logger.Info("session requeued", zap.String("session", sid), zap.String("operator", operatorID), zap.Int("position", pos))
	}
}

func (c *Coordinator) releaseOperatorLocked(operatorID, sessionID string) {
	held := c.byOperator[operatorID]
	if _, ok := held[sessionID]; !ok {
		return
	}
	delete(held, sessionID)
	if len(held) == 0 {
		delete(c.byOperator, operatorID)
	}
	c.presence.AdjustActive(operatorID, -1)
}

// notifyPositionsLocked sends every waiting client its current position.
func (c *Coordinator) notifyPositionsLocked() {
	for i, clientID := range c.presence.WaitingIDs() {
		sid, ok := c.byClient[clientID]
		if !ok {
			continue
		}
		c.emit(clientID, types.EventChatQueued, &types.ChatQueuedEvent{SessionID: sid, Position: i + 1})
	}
}

func (c *Coordinator) participantLocked(id string, role types.Role) (*types.Participant, error) {
	p, ok := c.presence.Get(id)
	if !ok {
		return nil, types.Reject(types.CodePresenceNotFound, "", "participant %s is not registered", id)
	}
	if p.Role != role {
		return nil, types.Reject(types.CodeUnauthorized, "", "%s is not a %s", id, role)
	}
	return p, nil
}

func mergeMeta(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
