// Package api provides the optional HTTP interface for ebusd-go.
//
// It follows the same lifecycle pattern as the daemon's other
// north-bound servers:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread safety: all methods are safe for concurrent use.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the HTTP server.
type Deps struct {
	Config     config.HTTPConfig
	Dispatcher *dispatcher.Dispatcher
	Logger     *logging.Logger
	Version    string
}

// Server is the optional HTTP interface: a GET-only API over the
// dispatcher's command table, static doc-root file serving, and a
// websocket push endpoint for dashboard-style consumers.
type Server struct {
	cfg     config.HTTPConfig
	disp    *dispatcher.Dispatcher
	logger  *logging.Logger
	version string

	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
	limiter   *rateLimiter
	metrics   *metricsCollector
}

// New creates a new HTTP server. The server is not started until
// Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Server{
		cfg:       deps.Config,
		disp:      deps.Dispatcher,
		logger:    deps.Logger,
		version:   deps.Version,
		startTime: time.Now(),
		limiter:   newRateLimiter(),
		metrics:   newMetricsCollector(deps.Dispatcher),
	}, nil
}

// Start begins listening for HTTP connections. It does not block; the
// listener runs in a background goroutine until Close is called.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.logger)
	s.disp.AddSink(s.hub)
	go s.hub.Run(srvCtx)
	go s.limiter.cleanupLoop(srvCtx, rateLimitWindow)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", s.server.Addr)
	return nil
}

// Close gracefully shuts down the HTTP server, waiting up to
// gracefulShutdownTimeout for in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("http health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("http server not started")
	}
	return nil
}
