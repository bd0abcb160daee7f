// Package api serves the engine's published objects over HTTP: dispatch
// operations, channel requests, clients and channels, plus a server-sent
// event stream of engine signals.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/journal"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

// Dispatcher is the engine surface the API drives.
type Dispatcher interface {
	Operations() ([]dispatch.OperationView, error)
	Operation(id string) (dispatch.OperationView, error)
	HandleWith(ctx context.Context, id, handler string) error
	Claim(ctx context.Context, id, claimant string) error

	SubmitRequest(p request.SubmitParams) (dispatch.RequestView, error)
	ProceedRequest(id, caller string) (dispatch.RequestView, error)
	CancelRequest(id, caller string) (dispatch.RequestView, error)
	Request(id string) (dispatch.RequestView, error)
	Requests() ([]dispatch.RequestView, error)

	Clients() ([]dispatch.ClientInfo, error)
	RegisterClient(desc registry.Descriptor) (registry.Descriptor, error)
	ClientVanished(name string) error

	AnnounceChannels(connection string, chans []*channel.Channel) ([]string, error)
	Channels() ([]dispatch.ChannelInfo, error)
	CloseChannel(id string) error

	Stats() (dispatch.Stats, error)
}

// ChannelSource creates incoming channels on in-process connections.
type ChannelSource interface {
	Incoming(connection string, props ...channel.Properties) ([]*channel.Channel, error)
	Account(connection string) (string, bool)
}

// History reads the dispatch journal.
type History interface {
	ListOperations(ctx context.Context, f journal.OperationFilter) ([]dispatch.OperationRecord, error)
	ListRequests(ctx context.Context, state request.State, limit int) ([]journal.RequestEntry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token. With neither APIKey nor Tokens set
	// the API is served without authentication.
	APIKey string
	Tokens []auth.TokenConfig
	// HandleWithTimeout bounds how long POST /operations/{id}/handle-with
	// waits for the handler.
	HandleWithTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	authn     *auth.Authenticator
	engine    Dispatcher
	source    ChannelSource
	history   History
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil when the
// journal is disabled.
func New(config Config, engine Dispatcher, source ChannelSource, history History, hub *events.Hub, logger *slog.Logger) *Server {
	if config.HandleWithTimeout <= 0 {
		config.HandleWithTimeout = 30 * time.Second
	}
	return &Server{
		config:    config,
		authn:     auth.NewAuthenticator(config.APIKey, config.Tokens),
		engine:    engine,
		source:    source,
		history:   history,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeDispatchRO)).Get("/operations", s.handleListOperations)
		r.With(s.requireScopes(auth.ScopeDispatchRO)).Get("/operations/{id}", s.handleGetOperation)
		r.With(s.requireScopes(auth.ScopeDispatchRW)).Post("/operations/{id}/handle-with", s.handleHandleWith)
		r.With(s.requireScopes(auth.ScopeDispatchRW)).Post("/operations/{id}/claim", s.handleClaim)
		r.With(s.requireScopes(auth.ScopeDispatchRO)).Get("/history/operations", s.handleOperationHistory)
		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/history/requests", s.handleRequestHistory)

		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/requests", s.handleListRequests)
		r.With(s.requireScopes(auth.ScopeRequestsRW)).Post("/requests", s.handleSubmitRequest)
		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/requests/{id}", s.handleGetRequest)
		r.With(s.requireScopes(auth.ScopeRequestsRW)).Post("/requests/{id}/proceed", s.handleProceedRequest)
		r.With(s.requireScopes(auth.ScopeRequestsRW)).Post("/requests/{id}/cancel", s.handleCancelRequest)

		r.With(s.requireScopes(auth.ScopeClientsRO)).Get("/clients", s.handleListClients)
		r.With(s.requireScopes(auth.ScopeClientsRW)).Post("/clients", s.handleRegisterClient)
		r.With(s.requireScopes(auth.ScopeClientsRW)).Delete("/clients/{name}", s.handleClientVanished)

		r.With(s.requireScopes(auth.ScopeDispatchRO)).Get("/channels", s.handleListChannels)
		r.With(s.requireScopes(auth.ScopeChannelsRW)).Post("/connections/{conn}/incoming", s.handleIncoming)
		r.With(s.requireScopes(auth.ScopeChannelsRW)).Post("/channels/{id}/close", s.handleCloseChannel)

		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
