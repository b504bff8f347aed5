// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/pairlink/queue"
	"github.com/absmach/pairlink/transport"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TransportType   string
}

// Link exposes the readiness gates of the paired transport.
type Link interface {
	State() transport.State
}

// Queues exposes the delivery queue depths.
type Queues interface {
	Depths() queue.Depths
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	link     Link
	queues   Queues
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, link Link, queues Queues, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		link:   link,
		queues: queues,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK once the transport is supported and activated. A missing
// peer does not make the daemon unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	details := ""
	switch {
	case s.link == nil:
		details = "transport not initialized"
	case !s.link.State().Supported:
		details = "transport unsupported"
	case !s.link.State().Activated:
		details = "transport not activated"
	}

	if details != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: details,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// StatusResponse reports transport gates and queue depths.
type StatusResponse struct {
	Transport string `json:"transport"`
	transport.State
	queue.Depths
}

// handleStatus returns the transport gates and delivery queue depths.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	response := StatusResponse{Transport: s.config.TransportType}
	if s.link != nil {
		response.State = s.link.State()
	}
	if s.queues != nil {
		response.Depths = s.queues.Depths()
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
