// Package server provides the HTTP surface for event ingestion,
// administration and live streaming.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sentinel-hq/arbiter/pkg/bus"
	"sentinel-hq/arbiter/pkg/config"
	"sentinel-hq/arbiter/pkg/gateway"
	"sentinel-hq/arbiter/pkg/telemetry/metrics"
)

// Server is the arbiter HTTP server.
type Server struct {
	config       *config.ServerConfig
	gateway      *gateway.Gateway
	metrics      *metrics.Registry
	hub          *bus.Hub
	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	logger       *slog.Logger
}

// NewServer creates a server. The metrics registry and websocket hub
// are optional; nil disables their endpoints.
func NewServer(cfg *config.ServerConfig, gw *gateway.Gateway, m *metrics.Registry, hub *bus.Hub) *Server {
	return &Server{
		config:       cfg,
		gateway:      gw,
		metrics:      m,
		hub:          hub,
		shutdownChan: make(chan struct{}),
		logger:       slog.Default().With("component", "server"),
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", s.config.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		return s.Shutdown(context.Background())
	}
}

// Stop requests shutdown from another goroutine.
func (s *Server) Stop() {
	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		if s.hub != nil {
			s.hub.Close()
		}
	})

	return shutdownErr
}

// setupRoutes builds the request mux.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/events", s.handleSubmitEvent)
	mux.HandleFunc("GET /v1/tenants/{tenant}/events/{id}", s.handleGetEvent)
	mux.HandleFunc("POST /v1/tenants/{tenant}/rules/refresh", s.handleRefreshRules)
	mux.HandleFunc("DELETE /v1/tenants/{tenant}/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /v1/tenants/{tenant}/violations/{id}/resolve", s.handleResolveViolation)
	mux.HandleFunc("POST /v1/tenants/{tenant}/events/{id}/deliberate", s.handleManualTrigger)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}

	return s.withRequestLog(mux)
}

// withRequestLog logs each request at debug level.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
