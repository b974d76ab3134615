// Package server assembles the HTTP API: health probes, the training job
// routes, the worker status channel and the WebSocket push endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/internal/server/handlers"
	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/notify"
)

// Server is the HTTP front end of the orchestrator.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	logger *zap.Logger

	jobs          handlers.JobService
	hub           *notify.Hub
	tokens        map[string]string
	ingestLimiter *middleware.ClientLimiter

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithJobs enables the training API backed by jobs.
func WithJobs(jobs handlers.JobService) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithHub enables the WebSocket endpoint.
func WithHub(hub *notify.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithAuthTokens requires a bearer token (token -> user id) on the public
// training routes. An empty map leaves them open.
func WithAuthTokens(tokens map[string]string) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithIngestLimiter rate limits the internal status channel.
func WithIngestLimiter(l *middleware.ClientLimiter) Option {
	return func(s *Server) { s.ingestLimiter = l }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts overrides the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port. Routes are registered
// immediately; nothing listens until ListenAndServe.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       observability.CLILogger,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.AccessLog(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.HTTPError{
			Code:      apperrors.CodeNotFound,
			Message:   fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
			RequestID: observability.RequestIDFromContext(r.Context()),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusMethodNotAllowed, apperrors.HTTPError{
			Code:      apperrors.CodeMethodNotAllowed,
			Message:   fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path),
			RequestID: observability.RequestIDFromContext(r.Context()),
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.jobs == nil {
		return r
	}

	training := handlers.NewTrainingHandler(s.jobs, s.logger)
	ingest := handlers.NewIngestHandler(s.jobs, s.logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.tokens))

		r.Route("/api/training", func(r chi.Router) {
			r.Post("/", training.Submit)
			r.Get("/", training.List)
			r.Get("/jobs", training.List)
			r.Get("/status", training.Status)
			r.Get("/{jobID}", training.Get)
			r.Post("/{jobID}/stop", training.Stop)
			r.Get("/{jobID}/logs", training.Logs)
			r.Get("/{jobID}/download", training.Download)
		})

		if s.hub != nil {
			r.Get("/ws", handlers.NewWebSocketHandler(s.hub, s.jobs, s.logger).ServeHTTP)
		}
	})

	// Workers report on the internal channel without user tokens.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.ingestLimiter))
		r.Post("/internal/jobs/{jobID}/status", ingest.JobStatus)
		r.Post("/api/training/internal/status-update", ingest.StatusUpdate)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return s.http.Addr
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
