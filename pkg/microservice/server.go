// Package microservice provides the HTTP surface of the quotaguard sidecar:
// a base server with health and metrics endpoints, and the API routes.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BaseServer is the HTTP front of the sidecar. Listen binds the port, Serve
// runs until its context is done and then drains in-flight requests.
type BaseServer struct {
	Logger   zerolog.Logger
	HTTPPort string
	// ShutdownTimeout bounds the drain after Serve's context is done.
	ShutdownTimeout time.Duration

	httpServer *http.Server
	router     chi.Router

	mu       sync.RWMutex
	listener net.Listener
}

// NewBaseServer creates a server with /healthz and, when gatherer is not
// nil, /metrics.
func NewBaseServer(logger zerolog.Logger, httpPort string, gatherer prometheus.Gatherer) *BaseServer {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", HealthzHandler)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &BaseServer{
		Logger:          logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort:        httpPort,
		ShutdownTimeout: 15 * time.Second,
		router:          r,
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Listen binds the configured address. Requests served later carry ctx's
// values.
func (s *BaseServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.HTTPPort, err)
	}
	base := context.WithoutCancel(ctx)
	s.httpServer.BaseContext = func(net.Listener) context.Context { return base }

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.Logger.Info().Str("address", listener.Addr().String()).Msg("HTTP server listening.")
	return nil
}

// Serve handles requests until ctx is done, then shuts down gracefully
// within ShutdownTimeout. It returns nil after a clean shutdown.
func (s *BaseServer) Serve(ctx context.Context) error {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return errors.New("http server is not listening")
	}

	served := make(chan error, 1)
	go func() { served <- s.httpServer.Serve(listener) }()

	select {
	case err := <-served:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error().Err(err).Msg("HTTP server did not drain in time.")
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *BaseServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.HTTPPort
	}
	return s.listener.Addr().String()
}

// Router returns the underlying router.
func (s *BaseServer) Router() chi.Router {
	return s.router
}

// HealthzHandler responds to health checks.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
