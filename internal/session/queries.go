package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// SendMessage relays payload from a party of the session. Clients may write
// while queued; operators only once assigned.
func (c *Coordinator) SendMessage(ctx context.Context, senderID string, role types.Role, sessionID string, payload types.Payload) (*types.Message, error) {
	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	s := rec.session
	member := (role == types.RoleClient && s.ClientID == senderID) ||
		(role == types.RoleOperator && s.OperatorID == senderID && s.State == types.SessionActive)
	if s.IsEnded() && (senderID == s.ClientID || senderID == s.OperatorID) {
		c.mu.Unlock()
		return nil, types.Reject(types.CodeInvalidSessionState, sessionID, "session %s has ended", sessionID)
	}
	c.mu.Unlock()

	if !member {
		return nil, types.Reject(types.CodeUnauthorized, sessionID, "%s cannot write to session %s", senderID, sessionID)
	}

	// The relay serializes the append and emits to the counterpart itself.
	return c.relay.Send(ctx, sessionID, senderID, role, payload)
}

// ResumeSession sends participantID the session and its log after afterSeq.
// Ended sessions can still be replayed until they are pruned.
func (c *Coordinator) ResumeSession(ctx context.Context, participantID, sessionID string, afterSeq int64) (*types.SessionStateEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[sessionID]
	if !ok {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	s := rec.session
	if participantID != s.ClientID && (s.OperatorID == "" || participantID != s.OperatorID) {
		return nil, types.Reject(types.CodeUnauthorized, sessionID, "%s is not a party of session %s", participantID, sessionID)
	}

	msgs, err := c.relay.Replay(ctx, sessionID, participantID, afterSeq)
	if err != nil {
		return nil, err
	}
	state := &types.SessionStateEvent{Session: c.viewLocked(rec), Messages: msgs}
	c.emit(participantID, types.EventSessionState, state)
	return state, nil
}

// Session returns a copy of a session held in memory.
func (c *Coordinator) Session(sessionID string) (*types.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return c.viewLocked(rec), true
}

// QueuedSessions lists queued sessions in waiting-list order.
func (c *Coordinator) QueuedSessions() []*types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedLocked()
}

func (c *Coordinator) queuedLocked() []*types.Session {
	out := make([]*types.Session, 0)
	for _, clientID := range c.presence.WaitingIDs() {
		sid, ok := c.byClient[clientID]
		if !ok {
			continue
		}
		if rec := c.sessions[sid]; rec.session.State == types.SessionQueued {
			out = append(out, c.viewLocked(rec))
		}
	}
	return out
}

// Stats returns session counts by state plus presence counts.
func (c *Coordinator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := map[string]int{
		"queued":           0,
		"active":           0,
		"ended":            0,
		"waiting_clients":  len(c.presence.WaitingIDs()),
		"operators_online": c.presence.OnlineOperators(),
		"grace_timers":     len(c.timers),
	}
	for _, rec := range c.sessions {
		stats[string(rec.session.State)]++
	}
	return stats
}

// Transcript returns a session with its full log, from memory when possible
// and from the archive otherwise.
func (c *Coordinator) Transcript(ctx context.Context, sessionID string) (*types.Transcript, error) {
	c.mu.Lock()
	if rec, ok := c.sessions[sessionID]; ok {
		view := c.viewLocked(rec)
		c.mu.Unlock()
		msgs, err := c.relay.Since(sessionID, 0)
		if err != nil {
			return nil, err
		}
		return &types.Transcript{Session: view, Messages: msgs}, nil
	}
	c.mu.Unlock()

	if c.archive == nil {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	t, err := c.archive.Transcript(ctx, sessionID)
	if errors.Is(err, interfaces.ErrTranscriptNotFound) {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	return t, err
}

// ForgetSession deletes an ended session from memory and the archive.
func (c *Coordinator) ForgetSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	rec, inMemory := c.sessions[sessionID]
	if inMemory && !rec.session.IsEnded() {
		c.mu.Unlock()
		return types.Reject(types.CodeInvalidSessionState, sessionID, "session %s has not ended", sessionID)
	}
	if inMemory {
		delete(c.sessions, sessionID)
		c.relay.Forget(sessionID)
	}
	c.mu.Unlock()

	if c.archive == nil {
		if !inMemory {
			return types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
		}
		return nil
	}
	err := c.archive.DeleteTranscript(ctx, sessionID)
	if errors.Is(err, interfaces.ErrTranscriptNotFound) {
		if inMemory {
			return nil
		}
		return types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	if err == nil {
		c.logger.Info("transcript deleted", zap.String("session", sessionID))
	}
	return err
}

// Prune drops ended sessions older than olderThan from memory. Archived
// transcripts are kept.
func (c *Coordinator) Prune(olderThan time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-olderThan)
	n := 0
	for id, rec := range c.sessions {
		s := rec.session
		if s.IsEnded() && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(c.sessions, id)
			c.relay.Forget(id)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("pruned ended sessions", zap.Int("count", n))
	}
	return n
}

// Shutdown ends every open session with reason shutdown and stops all grace
// timers. Later connects and chat requests are refused.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id := range c.timers {
		c.cancelTimerLocked(id)
	}
	for _, rec := range c.sessions {
		if !rec.session.IsEnded() {
			c.endLocked(ctx, rec, types.EndShutdown, "")
		}
	}
	c.refreshLocked()
	c.logger.Info("session coordinator stopped")
}
