// Package server exposes the query sources over HTTP together with the
// expvar metrics, pprof and statsviz debug endpoints.
package server

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nexusstate/config"
	"github.com/INLOpen/nexusstate/source"
	"github.com/arl/statsviz"
)

// Options configures a Server.
type Options struct {
	Config  config.ServerConfig
	Sources *source.Registry
	// DefaultPath is used by queries that do not pass a path option.
	DefaultPath string
	Logger      *slog.Logger
}

// Server serves the statestore and state-metadata sources as JSON.
type Server struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
	started         bool
	mu              sync.Mutex
}

// New creates and configures the HTTP server.
func New(opts Options) (*Server, error) {
	if opts.Sources == nil {
		return nil, fmt.Errorf("server: a source registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "HTTPServer")
	cfg := opts.Config

	mux := http.NewServeMux()
	q := &queryHandler{sources: opts.Sources, defaultPath: opts.DefaultPath, logger: logger}
	mux.HandleFunc("GET /v1/{source}", q.serveScan)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				return nil, fmt.Errorf("server: register statsviz: %w", err)
			}
			logger.Info("Monitoring UI is available at /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8088"
	}
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: config.ParseDuration(cfg.ShutdownTimeout, 5*time.Second, logger),
		logger:          logger,
	}, nil
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start serves until Stop is called. It's a blocking call.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("HTTP query server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("HTTP query server failed", "error", err)
		return fmt.Errorf("failed to start HTTP query server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping HTTP query server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP query server shutdown failed", "error", err)
	} else {
		s.logger.Info("HTTP query server stopped gracefully.")
	}
}
