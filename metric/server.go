package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
)

// Server exposes /metrics and /healthz on one listener.
type Server struct {
	port     int
	registry *Registry
	monitor  *health.Monitor
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates the observability HTTP server.
func NewServer(port int, registry *Registry, monitor *health.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		registry: registry,
		monitor:  monitor,
		logger:   logger.With("component", "metric"),
	}
}

// Start begins serving. Non-blocking; listen errors surface through the
// logger because they happen after Start returns.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry.Prometheus(),
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server failed", "error", err)
		}
	}()
	s.logger.Info("observability server listening", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "metric", "Stop", "shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	agg := s.monitor.Aggregate("discoat")
	code := http.StatusOK
	if !agg.Healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     agg.State,
		"components": s.monitor.All(),
	}); err != nil {
		s.logger.Warn("health encode failed", "error", err)
	}
}
