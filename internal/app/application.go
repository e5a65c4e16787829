// Package app wires the server components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedesk/internal/api"
	"livedesk/internal/archive"
	"livedesk/internal/auth"
	"livedesk/internal/config"
	"livedesk/internal/hub"
	"livedesk/internal/metrics"
	"livedesk/internal/presence"
	"livedesk/internal/relay"
	"livedesk/internal/router"
	"livedesk/internal/session"
	"livedesk/internal/websocket"
	"livedesk/pkg/interfaces"
)

// janitorInterval is how often ended sessions and idle rate limiter entries
// are swept.
const janitorInterval = time.Minute

// Application coordinates all system components.
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	archive     interfaces.Archive
	registry    *websocket.Registry
	presence    *presence.Registry
	relay       *relay.Relay
	coordinator *session.Coordinator
	messageHub  *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server

	listener net.Listener
	stopOnce sync.Once
	janitor  chan struct{}
	wg       sync.WaitGroup
}

// NewApplication builds every component in dependency order:
// archive, registry, presence, relay, coordinator, router, hub, API, HTTP.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	// STEP 1: transcript archive
	store, err := archive.New(ctx, cfg.Archive, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}

	// STEP 2: connection registry, which is also the notifier for everything above it
	registry := websocket.NewRegistry(logger)

	// STEP 3: presence, relay and the session coordinator
	pres := presence.NewRegistry(registry, logger)
	rl := relay.New(registry, store, relay.Options{
		MaxTextLength:  cfg.Session.MaxTextLength,
		RateLimit:      cfg.Session.RateLimit,
		RateWindow:     cfg.Session.RateWindow,
		ArchiveTimeout: cfg.Archive.WriteTimeout,
	}, logger, m)

	coord, err := session.New(pres, rl, registry, store, session.Options{
		ClientGracePeriod:   cfg.Session.ClientGracePeriod,
		OperatorGracePeriod: cfg.Session.OperatorGracePeriod,
		ArchiveTimeout:      cfg.Archive.WriteTimeout,
	}, logger, m)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// STEP 4: operator token verifier, only when a secret is configured
	var verifier *auth.Verifier
	if cfg.Auth.Enabled() {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
		}
	} else {
		logger.Warn("operator authentication disabled, any connection may act as an operator; set auth.jwt_secret to require tokens")
	}

	// STEP 5: event router and the hub that serializes inbound frames
	messageRouter := router.New(registry, coord, verifier, logger, m)
	messageHub := hub.NewHub(messageRouter, cfg.WebSocket.BufferSize, logger)

	// STEP 6: HTTP surface
	wsHandler := websocket.NewHandler(messageHub, cfg.WebSocket, cfg.HTTP.AllowedOrigins, logger, m)
	apiServer := api.NewServer(api.Deps{
		Coordinator:    coord,
		Presence:       pres,
		Connections:    registry,
		Archive:        store,
		Metrics:        m,
		Verifier:       verifier,
		WebSocket:      wsHandler,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger,
		metrics:     m,
		archive:     store,
		registry:    registry,
		presence:    pres,
		relay:       rl,
		coordinator: coord,
		messageHub:  messageHub,
		apiServer:   apiServer,
		httpServer:  httpServer,
		janitor:     make(chan struct{}),
	}, nil
}

// Start runs the hub, binds the listener and starts serving. It returns once
// the server accepts connections.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting livedesk", zap.String("addr", app.httpServer.Addr))

	// STEP 1: message hub first so no frame arrives without a consumer
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: bind the listener so port errors surface here
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// STEP 3: periodic cleanup of ended sessions
	app.wg.Add(1)
	go app.runJanitor()

	app.logger.Info("livedesk started", zap.String("addr", ln.Addr().String()))
	return nil
}

func (app *Application) runJanitor() {
	defer app.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-app.janitor:
			return
		case <-ticker.C:
			app.sweep()
		}
	}
}

func (app *Application) sweep() {
	pruned := app.coordinator.Prune(app.config.Session.EndedRetention)
	limiters := app.relay.CleanupLimiter()
	if pruned > 0 || limiters > 0 {
		app.logger.Debug("janitor sweep", zap.Int("sessions", pruned), zap.Int("limiters", limiters))
	}
}

// Stop shuts down in reverse dependency order: HTTP, coordinator, connections,
// hub, archive. It is safe to call more than once.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down livedesk")
		close(app.janitor)

		// STEP 1: stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		// STEP 2: end open sessions while links can still carry chat:ended
		app.coordinator.Shutdown(ctx)

		// STEP 3: close websocket links, then stop event processing
		app.registry.CloseAll()
		if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}

		// STEP 4: flush and close the archive
		if err := app.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive shutdown: %w", err))
		}

		app.wg.Wait()
		app.logger.Info("livedesk shutdown complete")
	})
	return errors.Join(errs...)
}

// Addr returns the bound listener address once started, the configured one otherwise.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
