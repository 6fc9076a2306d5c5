// Package api exposes the dispatcher's local status surface: health,
// runtime/RPC/subprocess state, and Prometheus metrics. It binds to
// loopback; it is an operator tool, not a public API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/internal/version"
	"github.com/remotecc/remotecc/pkg/sysinfo"
)

// StatusSource provides the strings shown on /healthz and /statz.
type StatusSource interface {
	// HealthStatus returns the backend health string maintained by
	// Ping ("ok", "running: ...", "error: ...").
	HealthStatus() string
	// DebugStats returns per-subsystem debug text, keyed by
	// subsystem name.
	DebugStats() map[string]string
}

// Response is the JSON envelope of every endpoint.
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Server is the status HTTP server.
type Server struct {
	server       *http.Server
	source       StatusSource
	shutdownOnce sync.Once
}

// NewServer creates the status server on addr.
func NewServer(addr string, source StatusSource) *Server {
	s := &Server{source: source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statz", s.handleStatz)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := "ok"
	if s.source != nil {
		health = s.source.HealthStatus()
	}
	code := http.StatusOK
	if health != "ok" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, Response{
		Status:    health,
		Timestamp: time.Now().UTC(),
		Data: map[string]string{
			"version": version.Version,
		},
	})
}

func (s *Server) handleStatz(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"version":        version.Version,
		"num_cpus":       sysinfo.NumCPUs(),
		"total_memory":   sysinfo.SystemTotalMemory(),
		"process_memory": sysinfo.ConsumingMemoryOfCurrentProcess(),
	}
	if s.source != nil {
		data["subsystems"] = s.source.DebugStats()
	}
	JSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
