// Package api serves the fleetwarden HTTP surface: execution submission and
// history, the admission queue snapshot, aggregated inventory, integration
// health, read-only capability calls, and live execution output over SSE and
// WebSocket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

const defaultShutdownTimeout = 10 * time.Second

// Executions is the execution service as seen by the API.
type Executions interface {
	Submit(ctx context.Context, req execution.Request) (*execution.Record, error)
	Get(ctx context.Context, id string) (*execution.Record, error)
	List(ctx context.Context, filter execution.Filter) ([]*execution.Record, error)
	Cancel(ctx context.Context, id string) (*execution.Record, error)
	Reexecute(ctx context.Context, id string, opts execution.ReexecuteOptions) (*execution.Record, error)
}

// Integrations is the capability router as seen by the API.
type Integrations interface {
	ExecuteCapability(ctx context.Context, user, capability string, input integration.Input, debug *integration.DebugContext, opts ...integration.CallOption) integration.CapabilityResult
	GetAggregatedInventory(ctx context.Context) integration.AggregatedInventory
	HealthCheckAll(ctx context.Context, force bool) map[string]integration.HealthStatus
	Plugins() []integration.PluginInfo
}

// QueueStatus reports the admission queue.
type QueueStatus interface {
	Status() queue.Snapshot
}

// StreamSource hands out live execution output.
type StreamSource interface {
	Subscribe(id string) (<-chan stream.Event, func(), error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token. Empty disables authentication.
	APIKey          string
	ShutdownTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config       Config
	executions   Executions
	integrations Integrations
	queue        QueueStatus
	streams      StreamSource
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
	upgrader     websocket.Upgrader
}

// New creates a new API server instance
func New(config Config, executions Executions, integrations Integrations, q QueueStatus, streams StreamSource, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		config:       config,
		executions:   executions,
		integrations: integrations,
		queue:        q,
		streams:      streams,
		logger:       logger,
		startedAt:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Bearer auth already gates the upgrade request.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	if s.config.APIKey == "" {
		s.logger.Warn("API authentication disabled: api.auth.api_key is empty")
	}

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streaming handlers clear their own write deadline.
		WriteTimeout: 2 * time.Minute,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/executions", s.handleSubmit)
		r.Get("/executions", s.handleListExecutions)
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Post("/cancel", s.handleCancel)
			r.Post("/reexecute", s.handleReexecute)
			r.Get("/stream", s.handleStream)
			r.Get("/ws", s.handleWebSocket)
		})

		r.Get("/queue", s.handleQueue)
		r.Get("/inventory", s.handleInventory)
		r.Get("/integrations", s.handlePlugins)
		r.Get("/integrations/health", s.handleIntegrationHealth)
		r.Post("/capabilities/{capability}", s.handleCapability)
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
