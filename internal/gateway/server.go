// Package gateway is the development backend: a websocket hub streaming
// simulated executions and a REST API over the stored records.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/storage/sqlstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server is the development backend HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	store      *sqlstore.Store
	executor   *Executor
}

// NewServer creates a new backend server over store.
func NewServer(store *sqlstore.Store, host string, port int, opts ...Option) *Server {
	cfg := serverConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	hub := ws.NewHub()
	executor := NewExecutor(store, hub, cfg.responder, cfg.chunkDelay)
	hub.SetBackend(executor)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:      hub,
		store:    store,
		executor: executor,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	// API: tasks
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/tasks/{id}", s.handleTask)
	r.Get("/api/tasks/{id}/records", s.handleRecords)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

type serverConfig struct {
	responder  Responder
	chunkDelay time.Duration
}

// Option customizes a Server.
type Option func(*serverConfig)

// WithResponder sets the reply generator of simulated executions.
func WithResponder(r Responder) Option {
	return func(c *serverConfig) { c.responder = r }
}

// WithChunkDelay sets the pause between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(c *serverConfig) { c.chunkDelay = d }
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("tasklink backend listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.executor.Close()
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rest.Health{Status: "ok", Clients: s.hub.ClientCount()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]rest.Task, 0, len(list))
	for _, t := range list {
		items = append(items, s.taskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.store.ListRecords(r.Context(), id, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rest.TaskDetail{Task: s.taskView(t), Items: records})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPageSize)
	}
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid before"})
			return
		}
		before = n
	}

	records, err := s.store.ListRecords(r.Context(), id, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]messages.Record{"items": records})
}

func (s *Server) taskView(t sqlstore.Task) rest.Task {
	return rest.Task{
		ID:        t.ID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		Records:   t.Records,
		Streaming: s.executor.Streaming(t.ID),
	}
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	slog.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
