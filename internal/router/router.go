// Package router decodes inbound event frames, checks who may send them and
// hands them to the session coordinator. Rejections go back to the sender as
// error events.
package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"livedesk/internal/auth"
	"livedesk/internal/metrics"
	"livedesk/internal/session"
	"livedesk/internal/websocket"
	"livedesk/pkg/types"
)

// permissions lists the roles allowed to send each bound-connection event.
var permissions = map[string][]types.Role{
	types.EventChatRequest:       {types.RoleClient},
	types.EventChatAccept:        {types.RoleOperator},
	types.EventParticipantLogout: {types.RoleOperator},
	types.EventChatEnd:           {types.RoleClient, types.RoleOperator},
	types.EventMessageSend:       {types.RoleClient, types.RoleOperator},
	types.EventSessionResume:     {types.RoleClient, types.RoleOperator},
}

type Router struct {
	registry *websocket.Registry
	coord    *session.Coordinator
	verifier *auth.Verifier
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New builds a router. A nil verifier accepts operators without a token.
func New(registry *websocket.Registry, coord *session.Coordinator, verifier *auth.Verifier, logger *zap.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	_ = v.RegisterValidation("participant_id", func(fl validator.FieldLevel) bool {
		return types.IsValidParticipantID(fl.Field().String())
	})
	return &Router{
		registry: registry,
		coord:    coord,
		verifier: verifier,
		validate: v,
		logger:   logger.Named("router"),
		metrics:  m,
	}
}

// Dispatch handles one text frame. Malformed frames and unknown events are
// logged and dropped.
func (r *Router) Dispatch(ctx context.Context, conn *websocket.Connection, data []byte) {
	if !gjson.ValidBytes(data) {
		r.logger.Debug("dropping malformed frame", zap.String("conn", conn.ID()))
		return
	}
	event := gjson.GetBytes(data, "event").String()
	if event == "" {
		r.logger.Debug("dropping frame without event", zap.String("conn", conn.ID()))
		return
	}
	payload := []byte(gjson.GetBytes(data, "data").Raw)

	conn.Touch()
	r.metrics.EventReceived(event)

	switch event {
	case types.EventPing:
		_ = conn.Send(types.EventPong, nil)
		return
	case types.EventParticipantConnect:
		r.fail(conn, event, r.connect(ctx, conn, payload))
		return
	}

	allowed, known := permissions[event]
	if !known {
		r.logger.Debug("dropping unknown event", zap.String("event", event), zap.String("conn", conn.ID()))
		return
	}
	pid, role := conn.ParticipantID(), conn.Role()
	if pid == "" {
		r.fail(conn, event, types.Reject(types.CodeUnauthorized, "", "%v", ErrNotConnected))
		return
	}
	if !hasRole(allowed, role) {
		r.fail(conn, event, types.Reject(types.CodeUnauthorized, "", "%v: %s", ErrRoleNotAllowed, event))
		return
	}

	var err error
	switch event {
	case types.EventChatRequest:
		err = r.requestChat(ctx, pid, payload)
	case types.EventChatAccept:
		err = r.acceptChat(ctx, pid, payload)
	case types.EventChatEnd:
		err = r.endChat(ctx, pid, payload)
	case types.EventMessageSend:
		err = r.sendMessage(ctx, conn, payload)
	case types.EventSessionResume:
		err = r.resume(ctx, pid, payload)
	case types.EventParticipantLogout:
		err = r.logout(ctx, conn)
	}
	r.fail(conn, event, err)
}

// Disconnected tells the coordinator about a dropped link unless a newer link
// of the same participant already replaced it.
func (r *Router) Disconnected(ctx context.Context, conn *websocket.Connection) {
	if !r.registry.Unregister(conn) {
		return
	}
	r.coord.Disconnect(conn.ParticipantID())
}

func (r *Router) connect(ctx context.Context, conn *websocket.Connection, payload []byte) error {
	var req types.ConnectRequest
	if err := r.decode(payload, &req); err != nil {
		return err
	}
	bound, boundRole := conn.ParticipantID(), conn.Role()
	if bound != "" && (bound != req.ID || boundRole != req.Role) {
		return types.Reject(types.CodeUnauthorized, "", "%v", ErrAlreadyBound)
	}

	if req.Role == types.RoleOperator && r.verifier != nil {
		if req.Token == "" {
			return types.Reject(types.CodeUnauthorized, "", "%v", ErrTokenRequired)
		}
		claims, err := r.verifier.Verify(req.Token)
		if err != nil {
			return types.Reject(types.CodeUnauthorized, "", "%v", err)
		}
		if claims.Subject != req.ID {
			return types.Reject(types.CodeUnauthorized, "", "%v", ErrTokenSubject)
		}
		if req.Name == "" {
			req.Name = claims.Name
		}
	}

	conn.Bind(req.ID, req.Role)
	if _, err := r.registry.Register(conn); err != nil {
		conn.Bind(bound, boundRole)
		return err
	}
	if _, err := r.coord.Connect(ctx, &req); err != nil {
		// A link that was already bound keeps its registration.
		if bound == "" {
			r.registry.Unregister(conn)
			conn.Bind("", "")
		}
		return err
	}
	return nil
}

func (r *Router) requestChat(ctx context.Context, clientID string, payload []byte) error {
	var req types.ChatRequest
	if err := r.decodeOptional(payload, &req); err != nil {
		return err
	}
	if req.ClientID != "" && req.ClientID != clientID {
		return types.Reject(types.CodeUnauthorized, "", "clientId %s does not match connection", req.ClientID)
	}
	_, err := r.coord.RequestChat(ctx, clientID, req.Meta)
	return err
}

func (r *Router) acceptChat(ctx context.Context, operatorID string, payload []byte) error {
	var req types.SessionRef
	if err := r.decode(payload, &req); err != nil {
		return err
	}
	_, err := r.coord.AcceptSession(ctx, operatorID, req.SessionID)
	return err
}

func (r *Router) endChat(ctx context.Context, participantID string, payload []byte) error {
	var req types.SessionRef
	if err := r.decode(payload, &req); err != nil {
		return err
	}
	_, err := r.coord.EndSession(ctx, participantID, req.SessionID)
	return err
}

func (r *Router) sendMessage(ctx context.Context, conn *websocket.Connection, payload []byte) error {
	var req types.SendMessageRequest
	if err := r.decode(payload, &req); err != nil {
		return err
	}
	msg, err := r.coord.SendMessage(ctx, conn.ParticipantID(), conn.Role(), req.SessionID, req.Payload())
	if err != nil {
		return err
	}
	return conn.Send(types.EventMessageAck, &types.MessageAckEvent{
		SessionID:       msg.SessionID,
		MessageID:       msg.ID,
		Seq:             msg.Seq,
		ClientMessageID: msg.ClientMessageID,
		Status:          msg.Delivery,
	})
}

func (r *Router) resume(ctx context.Context, participantID string, payload []byte) error {
	var req types.ResumeRequest
	if err := r.decode(payload, &req); err != nil {
		return err
	}
	_, err := r.coord.ResumeSession(ctx, participantID, req.SessionID, req.AfterSeq)
	return err
}

// logout detaches the link from the participant so a later close is not
// treated as a drop.
func (r *Router) logout(ctx context.Context, conn *websocket.Connection) error {
	if err := r.coord.Logout(ctx, conn.ParticipantID()); err != nil {
		return err
	}
	r.registry.Unregister(conn)
	conn.Bind("", "")
	return nil
}

func (r *Router) decode(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return types.Reject(types.CodeInvalidPayload, "", "missing data")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return types.Reject(types.CodeInvalidPayload, "", "%v", err)
	}
	if err := r.validate.Struct(v); err != nil {
		return types.Reject(types.CodeInvalidPayload, "", "%v", err)
	}
	return nil
}

// decodeOptional accepts an absent payload.
func (r *Router) decodeOptional(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return r.decode(payload, v)
}

// fail reports err to the sender as an error event.
func (r *Router) fail(conn *websocket.Connection, event string, err error) {
	if err == nil {
		return
	}
	rej := types.AsRejection(err)
	switch {
	case errors.Is(err, session.ErrCoordinatorClosed):
		rej = types.Reject(types.CodeConnection, "", "%v", err)
	case rej.Code == types.CodeInternal:
		r.logger.Error("event failed",
			zap.String("event", event),
			zap.String("participant", conn.ParticipantID()),
			zap.Error(err))
	}
	if sendErr := conn.Send(types.EventError, &types.ErrorEvent{
		Code:      rej.Code,
		Reason:    rej.Reason,
		Event:     event,
		SessionID: rej.SessionID,
	}); sendErr != nil {
		r.logger.Debug("error event not delivered", zap.String("event", event), zap.Error(sendErr))
	}
}

func hasRole(roles []types.Role, role types.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
