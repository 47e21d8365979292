// Package api serves the read-only status surface: a health probe and a
// JSON snapshot of the watchlist, funnel metrics, open positions, and
// price traces. It never mutates engine state; everything it reads is a
// snapshot tolerating single-cycle skew.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polysniper/internal/config"
)

// Server runs the status HTTP endpoint.
type Server struct {
	cfg    config.StatusConfig
	src    *Sources
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the status server over the given sources.
func NewServer(cfg config.StatusConfig, src *Sources, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		src:    src,
		logger: logger.With("component", "status"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"stream_healthy": s.src.streamHealthy(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.src.Build()); err != nil {
		s.logger.Error("status encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
