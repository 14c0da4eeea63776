// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves the agent's local HTTP status surface:
// liveness/readiness probes plus a /statusz endpoint exposing pipeline
// counters for the monitor command.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type ReadyStatus int32

const (
	ReadyStatusNotReady ReadyStatus = iota
	ReadyStatusReady
)

type Response struct {
	Healthy bool `json:"healthy"`
}

// StatusSource produces a JSON-serializable snapshot of a pipeline
// component's counters for /statusz.
type StatusSource func() any

type Server struct {
	port        int
	status      atomic.Int32
	readyStatus atomic.Int32

	mu      sync.Mutex
	sources map[string]StatusSource

	server *http.Server
}

type Config struct {
	Port int
}

func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = 8090
	}

	return &Server{
		port:    config.Port,
		sources: make(map[string]StatusSource),
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

func (s *Server) SetReady(ready bool) {
	if ready {
		s.readyStatus.Store(int32(ReadyStatusReady))
	} else {
		s.readyStatus.Store(int32(ReadyStatusNotReady))
	}
	slog.Debug("Ready status updated", slog.Bool("ready", ready))
}

func (s *Server) IsReady() bool {
	return ReadyStatus(s.readyStatus.Load()) == ReadyStatusReady
}

// RegisterStatusSource adds a named component snapshot to /statusz.
func (s *Server) RegisterStatusSource(name string, source StatusSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = source
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	mux.HandleFunc("/statusz", s.statuszHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.SetStatus(StatusStarting)
	slog.Info("Starting health check server", slog.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.GetStatus() == StatusHealthy)
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.IsReady())
}

func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.GetStatus() != StatusUnhealthy)
}

func (s *Server) writeProbe(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(Response{Healthy: ok}); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

func (s *Server) statuszHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": s.GetStatus().String(),
		"ready":  s.IsReady(),
	}

	s.mu.Lock()
	for name, source := range s.sources {
		body[name] = source()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode status response", slog.Any("error", err))
	}
}
