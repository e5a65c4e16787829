// Package relay owns the per-session message logs and hands each new message
// to the paired counterpart.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"livedesk/internal/metrics"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Options tunes validation and rate limiting.
type Options struct {
	MaxTextLength  int
	RateLimit      int
	RateWindow     time.Duration
	ArchiveTimeout time.Duration
}

type channel struct {
	clientID   string
	operatorID string
	log        []*types.Message
	byClientID map[string]*types.Message
	handlers   map[int]func(*types.Message)
	closed     bool
}

// Relay is safe for concurrent use. Messages of one session are appended in
// arrival order and delivered in that order.
type Relay struct {
	mu       sync.Mutex
	channels map[string]*channel
	nextID   int

	notifier interfaces.Notifier
	archive  interfaces.Archive
	limiter  *RateLimiter
	validate *validator.Validate
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a relay. archive and m may be nil.
func New(notifier interfaces.Notifier, archive interfaces.Archive, opts Options, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = types.DefaultMaxTextLength
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		channels: make(map[string]*channel),
		notifier: notifier,
		archive:  archive,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow),
		validate: validator.New(),
		opts:     opts,
		logger:   logger.Named("relay"),
		metrics:  m,
		now:      time.Now,
	}
}

// Open creates the channel of a session. Opening an open channel is a no-op.
func (r *Relay) Open(sessionID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[sessionID]; ok {
		if ch.closed {
			return types.Reject(types.CodeInvalidSessionState, sessionID, "session %s is closed", sessionID)
		}
		return nil
	}
	r.channels[sessionID] = &channel{
		clientID:   clientID,
		byClientID: make(map[string]*types.Message),
		handlers:   make(map[int]func(*types.Message)),
	}
	return nil
}

// Attach routes the operator side of a session to operatorID.
func (r *Relay) Attach(sessionID, operatorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.openChannelLocked(sessionID)
	if err != nil {
		return err
	}
	ch.operatorID = operatorID
	return nil
}

// Detach clears the operator side. Messages from the client are kept for the
// next operator.
func (r *Relay) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[sessionID]; ok {
		ch.operatorID = ""
	}
}

// Close makes the log read-only and drops receive handlers.
func (r *Relay) Close(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[sessionID]; ok {
		ch.closed = true
		ch.handlers = make(map[int]func(*types.Message))
	}
}

// Forget drops a session's log from memory.
func (r *Relay) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, sessionID)
}

// Send appends payload to the session log on behalf of senderID and hands it
// to the counterpart when connected. senderID must hold the senderRole side
// of the channel. A ClientMessageID the same sender already used returns the
// original message without appending or redelivering.
func (r *Relay) Send(ctx context.Context, sessionID, senderID string, senderRole types.Role, payload types.Payload) (*types.Message, error) {
	r.mu.Lock()

	ch, err := r.openChannelLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	side, recipientID := ch.clientID, ch.operatorID
	if senderRole == types.RoleOperator {
		side, recipientID = ch.operatorID, ch.clientID
	}
	if side == "" {
		r.mu.Unlock()
		return nil, types.Reject(types.CodeInvalidSessionState, sessionID, "no operator assigned to session %s", sessionID)
	}
	if side != senderID {
		r.mu.Unlock()
		return nil, types.Reject(types.CodeUnauthorized, sessionID, "%s cannot write to session %s", senderID, sessionID)
	}

	key := dedupKey(senderID, payload.ClientMessageID)
	if key != "" {
		if orig, ok := ch.byClientID[key]; ok {
			r.mu.Unlock()
			return orig.Clone(), nil
		}
	}

	if err := r.validatePayload(&payload); err != nil {
		r.mu.Unlock()
		return nil, types.Reject(types.CodeInvalidPayload, sessionID, "%v", err)
	}
	if !r.limiter.Allow(senderID) {
		r.mu.Unlock()
		return nil, types.Reject(types.CodeRateLimited, sessionID, "too many messages from %s", senderID)
	}

	msg := &types.Message{
		ID:              uuid.NewString(),
		Seq:             int64(len(ch.log)) + 1,
		SessionID:       sessionID,
		From:            senderID,
		SenderRole:      senderRole,
		Type:            payload.Type,
		Text:            payload.Text,
		File:            payload.File,
		ClientMessageID: payload.ClientMessageID,
		Timestamp:       r.now().UTC(),
		Delivery:        types.DeliverySent,
	}
	ch.log = append(ch.log, msg)
	if key != "" {
		ch.byClientID[key] = msg
	}

	if recipientID != "" && r.notifier != nil {
		if err := r.notifier.Emit(recipientID, types.EventMessageReceived, types.NewMessageReceived(msg)); err == nil {
			msg.Delivery = types.DeliveryDelivered
		}
	}

	out := msg.Clone()
	handlers := make([]func(*types.Message), 0, len(ch.handlers))
	for _, h := range ch.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	r.metrics.MessageRelayed(string(senderRole), string(out.Delivery))
	r.store(ctx, out)
	for _, h := range handlers {
		h(out.Clone())
	}
	return out, nil
}

// dedupKey scopes a client message id to its sender.
func dedupKey(senderID, clientMessageID string) string {
	if clientMessageID == "" {
		return ""
	}
	return senderID + "\x00" + clientMessageID
}

func (r *Relay) validatePayload(p *types.Payload) error {
	if err := p.Validate(r.opts.MaxTextLength); err != nil {
		return err
	}
	if p.File != nil {
		if err := r.validate.Struct(p.File); err != nil {
			return err
		}
	}
	return nil
}

// OnReceive registers handler for every message appended to the session
// after the call. The returned func removes it.
func (r *Relay) OnReceive(sessionID string, handler func(*types.Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[sessionID]
	if !ok || ch.closed {
		return func() {}
	}
	r.nextID++
	id := r.nextID
	ch.handlers[id] = handler

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if ch, ok := r.channels[sessionID]; ok {
			delete(ch.handlers, id)
		}
	}
}

// Since returns copies of the messages with seq greater than afterSeq.
func (r *Relay) Since(sessionID string, afterSeq int64) ([]*types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[sessionID]
	if !ok {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	return copyAfter(ch.log, afterSeq), nil
}

// Replay returns the tail after afterSeq for recipientID and marks the
// counterpart's messages in it as delivered.
func (r *Relay) Replay(ctx context.Context, sessionID, recipientID string, afterSeq int64) ([]*types.Message, error) {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}

	var flipped []*types.Message
	for _, m := range ch.log {
		if m.Seq > afterSeq && m.From != recipientID && m.Delivery != types.DeliveryDelivered {
			m.Delivery = types.DeliveryDelivered
			flipped = append(flipped, m.Clone())
		}
	}
	out := copyAfter(ch.log, afterSeq)
	r.mu.Unlock()

	for _, m := range flipped {
		r.store(ctx, m)
	}
	return out, nil
}

// Count returns the number of messages in a session log.
func (r *Relay) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[sessionID]; ok {
		return len(ch.log)
	}
	return 0
}

// Participants returns the client and operator currently routed for a session.
func (r *Relay) Participants(sessionID string) (clientID, operatorID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[sessionID]
	if !ok {
		return "", "", false
	}
	return ch.clientID, ch.operatorID, true
}

// CleanupLimiter sweeps idle rate-limit entries.
func (r *Relay) CleanupLimiter() int {
	return r.limiter.Cleanup()
}

func (r *Relay) openChannelLocked(sessionID string) (*channel, error) {
	ch, ok := r.channels[sessionID]
	if !ok {
		return nil, types.Reject(types.CodeSessionNotFound, sessionID, "session %s not found", sessionID)
	}
	if ch.closed {
		return nil, types.Reject(types.CodeInvalidSessionState, sessionID, "session %s is closed", sessionID)
	}
	return ch, nil
}

// store writes through to the archive. Failures never fail the send.
func (r *Relay) store(ctx context.Context, msg *types.Message) {
	if r.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ArchiveTimeout)
	defer cancel()
	if err := r.archive.AppendMessage(ctx, msg); err != nil {
		r.logger.Warn("archive append failed",
			zap.String("session", msg.SessionID),
			zap.Int64("seq", msg.Seq),
			zap.Error(err))
	}
}

func copyAfter(log []*types.Message, afterSeq int64) []*types.Message {
	out := make([]*types.Message, 0)
	for _, m := range log {
		if m.Seq > afterSeq {
			out = append(out, m.Clone())
		}
	}
	return out
}
