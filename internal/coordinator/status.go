// ABOUTME: Read-only HTTP status API for operators and dashboards
// ABOUTME: Serves aggregate counts, task/agent/audit listings, and a live event stream

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/entropy-playground/entropy-core/internal/auth"
	"github.com/entropy-playground/entropy-core/internal/events"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// StatusServer exposes the coordinator's aggregates over HTTP. All routes
// are read-only; /api routes go through bearer auth when a verifier is set.
type StatusServer struct {
	coord    *Coordinator
	store    store.Store
	events   *events.Broadcaster
	verifier auth.TokenVerifier
	server   *http.Server
	logger   *slog.Logger
}

// NewStatusServer creates the status API listening on addr. verifier may be
// nil to disable auth; broadcaster may be nil to disable the event stream.
func NewStatusServer(addr string, coord *Coordinator, st store.Store, broadcaster *events.Broadcaster, verifier auth.TokenVerifier, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	s := &StatusServer{
		coord:    coord,
		store:    st,
		events:   broadcaster,
		verifier: verifier,
		logger:   logger.With("component", "status-api"),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/tasks", s.handleTasks)
	api.HandleFunc("GET /api/agents", s.handleAgents)
	api.HandleFunc("GET /api/audit", s.handleAudit)
	api.HandleFunc("GET /api/events", s.handleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/api/", auth.Middleware(verifier, logger, api))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the configured HTTP handler.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then drains with a short timeout.
func (s *StatusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status)
}

func (s *StatusServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		State: store.TaskState(r.URL.Query().Get("state")),
		Kind:  store.TaskKind(r.URL.Query().Get("kind")),
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *StatusServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *StatusServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filter.ActorID = &actor
	}
	if target := r.URL.Query().Get("target"); target != "" {
		filter.TargetID = &target
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		t := store.AuditEventType(typ)
		filter.Type = &t
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"events": events, "count": len(events)})
}

// handleEvents streams task lifecycle events as server-sent events until the
// client disconnects. Best-effort: a slow client misses events rather than
// backpressuring the queue.
func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, subID := s.events.Subscribe(r.Context())
	defer s.events.Unsubscribe(subID)

	for ev := range ch {
		data, err := json.Marshal(map[string]any{
			"type":     ev.Type,
			"task_id":  ev.TaskID,
			"kind":     ev.Kind,
			"agent_id": ev.AgentID,
			"terminal": ev.Terminal,
			"time":     ev.Time,
		})
		if err != nil {
			s.logger.Error("encoding event", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *StatusServer) writeError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
