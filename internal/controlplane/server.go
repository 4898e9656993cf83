package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"frameorchestrator/internal/observability/metrics"
	"frameorchestrator/internal/serverutil"
)

// Config aggregates the dependencies Server needs: an Addr, a Logger, and
// a Metrics recorder (falling back to metrics.Default when nil).
type Config struct {
	Addr            string
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ShutdownTimeout time.Duration
}

// Server wraps the configured *http.Server for the control plane's
// registration, heartbeat, registry-snapshot, and health/ready/metrics
// endpoints.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// New builds the mux, wraps it in the request-id and metrics middleware, and
// returns a Server ready for Run.
func New(handler *Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/processors", handler.Processors)
	mux.HandleFunc("/processors/", handler.ProcessorByID)
	mux.HandleFunc("/health", handler.Health)
	mux.HandleFunc("/ready", handler.Ready)
	mux.Handle("/metrics", recorder.Handler())

	var rootHandler http.Handler = mux
	rootHandler = requestIDMiddleware(logger, rootHandler)
	rootHandler = metrics.HTTPMiddleware(recorder, rootHandler)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rootHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: httpServer, shutdownTimeout: cfg.ShutdownTimeout}, nil
}

// Run blocks serving the control plane until ctx is cancelled, then drains
// in-flight requests bounded by ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		ShutdownTimeout: s.shutdownTimeout,
	})
}
