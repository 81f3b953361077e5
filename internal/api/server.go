// Package api serves the operational HTTP endpoints of the daemon: health and
// Prometheus metrics. Tasks themselves are not exposed over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/taskstatus/internal/httputil"
	"github.com/nadmax/taskstatus/internal/middleware"
)

const (
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
	writeTimeout       = 30 * time.Second
	healthCheckTimeout = 2 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type healthCheck struct {
	name   string
	pinger Pinger
}

type Server struct {
	router *chi.Mux
	logger *slog.Logger
	addr   string
	checks []healthCheck
}

type Option func(*Server)

// WithHealthCheck adds a dependency to the /health report.
func WithHealthCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks = append(s.checks, healthCheck{name: name, pinger: p})
	}
}

func NewServer(addr string, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		logger: logger,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(chimw.RequestID)
	srv.router.Use(chimw.Recoverer)
	srv.router.Use(middleware.Logging(logger))
	srv.router.Use(middleware.MetricsMiddleware)

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("ops server stopped")
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK

	for _, c := range s.checks {
		if err := c.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "check", c.name, "error", err)
			resp.Checks[c.name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	if err := httputil.WriteJSON(w, resp, status); err != nil {
		s.logger.Error("encode health response", "error", err)
	}
}
