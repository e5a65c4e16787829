// Package api serves the HTTP side: health, metrics, the websocket endpoint
// and the operator-facing queue, session and history endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"livedesk/internal/auth"
	"livedesk/internal/metrics"
	"livedesk/internal/presence"
	"livedesk/internal/session"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Stats is satisfied by the websocket registry.
type Stats interface {
	Stats() map[string]int
}

// Deps are the components the server reads from. Metrics, Verifier and
// WebSocket may be nil.
type Deps struct {
	Coordinator    *session.Coordinator
	Presence       *presence.Registry
	Connections    Stats
	Archive        interfaces.Archive
	Metrics        *metrics.Metrics
	Verifier       *auth.Verifier
	WebSocket      http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	deps    Deps
	router  chi.Router
	logger  *zap.Logger
	started time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		logger:  deps.Logger.Named("api"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonMiddleware)
		r.Use(auth.Middleware(s.deps.Verifier, s.logger))

		r.Get("/queue", s.listQueue)
		r.Get("/operators", s.listOperators)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/history", s.getHistory)
			r.Delete("/history", s.deleteHistory)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type QueueResponse struct {
	Sessions []*types.Session     `json:"sessions"`
	Waiting  []*types.Participant `json:"waiting"`
}

type OperatorsResponse struct {
	Operators []*types.Participant `json:"operators"`
	Online    int                  `json:"online"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Archive     string                 `json:"archive"`
	Connections map[string]int         `json:"connections"`
	Sessions    map[string]int         `json:"sessions"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/queue
func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, QueueResponse{
		Sessions: s.deps.Coordinator.QueuedSessions(),
		Waiting:  s.deps.Presence.ListWaitingClients(),
	})
}

// GET /api/operators
func (s *Server) listOperators(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, OperatorsResponse{
		Operators: s.deps.Presence.ListOperators(),
		Online:    s.deps.Presence.OnlineOperators(),
	})
}

// GET /api/sessions/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if sess, ok := s.deps.Coordinator.Session(id); ok {
		s.writeJSON(w, http.StatusOK, sess)
		return
	}
	t, err := s.deps.Coordinator.Transcript(r.Context(), id)
	if err != nil {
		s.sendRejection(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t.Session)
}

// GET /api/sessions/{sessionID}/history
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Coordinator.Transcript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.sendRejection(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// DELETE /api/sessions/{sessionID}/history. Only ended sessions can be removed.
func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.ForgetSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.sendRejection(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "disabled"
	if s.deps.Archive != nil {
		archiveStatus = "healthy"
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archiveStatus = "error: " + err.Error()
		}
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Archive:   archiveStatus,
		Sessions:  s.deps.Coordinator.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// sendRejection maps a coordinator error onto an HTTP status.
func (s *Server) sendRejection(w http.ResponseWriter, err error) {
	var rej *types.Rejection
	if !errors.As(err, &rej) {
		s.logger.Error("request failed", zap.Error(err))
		s.sendError(w, "internal error", http.StatusInternalServerError)
		return
	}
	code := http.StatusBadRequest
	switch rej.Code {
	case types.CodeSessionNotFound, types.CodePresenceNotFound:
		code = http.StatusNotFound
	case types.CodeInvalidSessionState, types.CodeAssignmentConflict:
		code = http.StatusConflict
	case types.CodeUnauthorized:
		code = http.StatusForbidden
	}
	s.sendError(w, rej.Reason, code)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", zap.Error(err))
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
