// Package server exposes the bulk action API over HTTP.
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

	apperrors "github.com/3leaps/redsweep/internal/errors"
	"github.com/3leaps/redsweep/internal/server/handlers"
	"github.com/3leaps/redsweep/internal/server/middleware"
	"github.com/3leaps/redsweep/pkg/bulkaction"
)

// Default HTTP timeouts. WriteTimeout is zero so long report downloads
// are not cut off.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 0
	DefaultIdleTimeout  = 120 * time.Second
)

// Server is the redsweep HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	bulk           *bulkaction.Service
	maxUploadBytes int64
	maxImportLines int

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithBulkService mounts the bulk action API.
func WithBulkService(svc *bulkaction.Service) Option {
	return func(s *Server) { s.bulk = svc }
}

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts overrides the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithUploadLimits bounds import requests.
func WithUploadLimits(maxBytes int64, maxLines int) Option {
	return func(s *Server) {
		s.maxUploadBytes = maxBytes
		s.maxImportLines = maxLines
	}
}

// New creates a server listening on host:port. Port 0 picks a free port
// when the server starts.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path), nil)
	})

	r.Get("/health", handlers.Health)
	r.Get("/health/live", handlers.Liveness)
	r.Get("/health/ready", handlers.Readiness)
	r.Get("/health/startup", handlers.Startup)
	r.Get("/version", handlers.Version)

	if s.bulk != nil {
		h := handlers.NewBulkActions(s.bulk, s.logger, s.maxUploadBytes, s.maxImportLines)
		r.Route("/api/databases/{dbId}/bulk-actions", h.Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port, or the bound port once started.
func (s *Server) Port() int {
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
}

// Listen binds the listener. Start calls it if needed; call it first to
// learn the bound port before serving.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.host, s.port, err)
	}
	s.listener = ln
	return nil
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. A
// server that never started only releases its listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return err
}
