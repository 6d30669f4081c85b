// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport exposes the run manager over HTTP: a route that starts
// a run and streams its events as SSE in one request/response, a route that
// lets a second client join an already-running run's event stream, a
// status lookup, and the process health/metrics endpoints.
//
// Routing and middleware chaining follow the teacher's chi-based serving
// style (cmd/hector/main.go wires chi similarly for its own debug routes);
// the SSE write loop is grounded on pkg/transport/rest_gateway.go's
// streaming handler, adapted from grpc-gateway's flusher loop to write
// internal/sse frames straight off a runmanager.DomainEvent channel.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hectorcore/internal/eventmodel"
	"hectorcore/internal/observability"
	"hectorcore/internal/runmanager"
	"hectorcore/internal/sse"
)

// Server wires the Run Manager and process metrics onto an HTTP mux.
type Server struct {
	Runs    *runmanager.Manager
	Metrics *observability.Metrics
	Logger  *slog.Logger

	router chi.Router
}

// NewServer builds a Server and assembles its route table.
func NewServer(runs *runmanager.Manager, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Runs: runs, Metrics: metrics, Logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions/{sessionID}/runs", s.handleStartRun)
		r.Get("/runs/{runID}", s.handleRunStatus)
		r.Get("/runs/{runID}/events", s.handleRunEvents)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type startRunRequest struct {
	Message string `json:"message"`
}

// handleStartRun starts a new run against sessionID and streams its events
// as SSE in the same response, using runmanager.StartAndSubscribe so no
// event between launch and subscription is lost.
//
// Per the mapping table's HTTP-status note, iteration-cap and internal
// errors map to 5xx only while no body has been written yet; once SSE
// framing starts the response is already 200 OK and any such terminal
// condition is instead reported as an in-stream Error domain event,
// since HTTP forbids changing the status line after headers are sent.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	userMessage := eventmodel.Message{Role: eventmodel.RoleUser, Text: req.Message}
	runID, events, err := s.Runs.StartAndSubscribe(r.Context(), sessionID, userMessage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.streamSSE(w, r, runID, events)
}

// handleRunEvents lets a second client join an already-started run's event
// stream. Late joiners only see events published after they subscribe; a
// run that has already finished closes the stream immediately with no
// events.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	events, ok := s.Runs.Subscribe(runID)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	s.streamSSE(w, r, runID, events)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, ok := s.Runs.Status(runID)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": string(status)})
}

// encodeDomainFrame renders a DomainEvent as SSE. RunStart (and a RunDone
// whose run ended without a terminal Done/Error payload) carry no
// eventmodel.Event payload, so they're rendered as a bare kind/run_id frame
// rather than routed through sse.DualFrame, which requires a concrete event
// to name itself.
func encodeDomainFrame(ev runmanager.DomainEvent, runID string) ([]byte, error) {
	if ev.Payload == nil {
		return sse.LifecycleFrame(ev.Kind, runID)
	}
	return sse.DualFrame(ev.Payload, runID, ev.Kind)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, runID string, events <-chan runmanager.DomainEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, err := encodeDomainFrame(ev, runID)
			if err != nil {
				s.Logger.Warn("sse encode failed", "run_id", runID, "kind", ev.Kind, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
