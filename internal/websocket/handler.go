package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedesk/internal/config"
	"livedesk/internal/metrics"
)

// EventSink consumes what the read loop produces. The hub implements it.
type EventSink interface {
	Receive(conn *Connection, data []byte)
	Disconnected(conn *Connection)
}

// Handler upgrades /ws requests and runs one read loop per connection.
// Participants identify themselves with participant:connect afterwards.
type Handler struct {
	sink     EventSink
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewHandler(sink EventSink, cfg config.WebSocketConfig, allowedOrigins []string, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sink: sink,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(allowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
		logger:  logger.Named("websocket"),
		metrics: m,
	}
}

// originChecker allows requests without an Origin header (non-browser
// clients) and browser origins whose host is listed. "*" allows all.
func originChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts[strings.ToLower(u.Host)] = true
		} else {
			hosts[strings.ToLower(o)] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(u.Host)]
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.cfg.BufferSize, h.cfg.WriteTimeout)
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection opened", zap.String("conn", conn.ID()), zap.String("remote", r.RemoteAddr))

	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		h.sink.Disconnected(conn)
		h.logger.Debug("connection closed",
			zap.String("conn", conn.ID()),
			zap.String("participant", conn.ParticipantID()))
	}()

	readTimeout := h.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	pingInterval := h.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	if h.cfg.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		conn.Touch()
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket read error", zap.String("conn", conn.ID()), zap.Error(err))
			}
			return
		}

		conn.Touch()
		if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.sink.Receive(conn, data)
	}
}
