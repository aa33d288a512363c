// Package httpapi exposes the operator-facing HTTP surface named in
// spec.md §6's CLI surface note ("gate check", "events tail"): a small
// gorilla/mux router offering JSON introspection endpoints plus a
// websocket upgrade onto the shared events.Hub, grounded on the teacher's
// internal/server.Server (mux.NewRouter, a dedicated /ws endpoint, JSON
// response helpers) generalized from dashboard state to orchestrator
// status.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
	"github.com/swarmctl/orchestrator/internal/store"
	"github.com/swarmctl/orchestrator/internal/tasks"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the orchestrator's introspection HTTP surface.
type Server struct {
	router     *mux.Router
	httpServer *http.Server

	queue    *tasks.Queue
	registry *agentregistry.Registry
	gate     *qualitygate.Gate
	st       *store.Store
	hub      *events.Hub
	log      zerolog.Logger
}

// New builds a Server listening on addr. hub may be nil, in which case
// /events/tail refuses the websocket upgrade (no live subscription
// available, e.g. in a CLI-only invocation).
func New(addr string, queue *tasks.Queue, registry *agentregistry.Registry, gate *qualitygate.Gate, st *store.Store, hub *events.Hub, log zerolog.Logger) *Server {
	s := &Server{
		queue: queue, registry: registry, gate: gate, st: st, hub: hub,
		log: log.With().Str("component", "httpapi").Logger(),
	}
	s.router = mux.NewRouter()
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/gate/check", s.handleGateCheck).Methods(http.MethodPost)
	api.HandleFunc("/events/tail", s.handleEventsTail).Methods(http.MethodGet)
	api.HandleFunc("/events/history", s.handleEventsHistory).Methods(http.MethodGet)
}

// Start begins serving in the background. Call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server exited unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode json response")
	}
}

// statusSummary is the payload returned from GET /status (spec.md §6 CLI
// surface "status" command, mirrored over HTTP for remote operators).
type statusSummary struct {
	TasksByStatus  map[string]int `json:"tasks_by_status"`
	Agents         int            `json:"agents"`
	AgentsByState  map[string]int `json:"agents_by_state"`
	DroppedEvents  uint64         `json:"dropped_events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := statusSummary{
		TasksByStatus: make(map[string]int),
		AgentsByState: make(map[string]int),
	}
	for _, t := range s.queue.All() {
		summary.TasksByStatus[string(t.Status)]++
	}
	agents := s.registry.List()
	summary.Agents = len(agents)
	for _, a := range agents {
		summary.AgentsByState[string(a.State)]++
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	var artifact qualitygate.Artifact
	if err := json.NewDecoder(r.Body).Decode(&artifact); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid artifact: " + err.Error()})
		return
	}
	result := s.gate.Evaluate(artifact)
	status := http.StatusOK
	if result.Decision == qualitygate.Block {
		status = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, status, result)
}

// handleEventsTail upgrades to a websocket and streams every future batch
// flushed through the shared Hub (spec.md §6 "events tail").
func (s *Server) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no live event hub configured"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.NewClient(conn)
}

// handleEventsHistory replays durably-stored events since a timestamp, for
// callers that can't hold a websocket open (spec.md §6 "events tail" used
// one-shot from a CLI).
func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}
	evs, err := s.st.ListEventsSince(since)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	typeFilter := r.URL.Query().Get("type")
	if typeFilter != "" {
		filtered := make([]*events.Event, 0, len(evs))
		for _, e := range evs {
			if string(e.Type) == typeFilter {
				filtered = append(filtered, e)
			}
		}
		evs = filtered
	}
	s.respondJSON(w, http.StatusOK, evs)
}
