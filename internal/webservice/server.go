// Package webservice implements the task-management HTTP surface
// described in spec.md §6: list/create/patch ScheduledTasks, trigger
// an out-of-schedule run, and record a TaskRun. It is the
// collaborator-facing admin API; the scheduler and worker only need
// the narrower TaskRepository contract and can run against it
// in-process without this HTTP layer.
package webservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/repository"
)

// Store is the broader persistence contract the web service depends
// on: repository.TaskRepository plus the CRUD operations its HTTP
// surface exposes. Both repository.InMemory and
// repository/sqlite.Repository satisfy it.
type Store interface {
	repository.TaskRepository
	InsertTask(ctx context.Context, t repository.ScheduledTask) (int64, error)
	ListTasks(ctx context.Context) ([]repository.ScheduledTask, error)
	GetTask(ctx context.Context, id int64) (repository.ScheduledTask, bool, error)
	UpdateTask(ctx context.Context, id int64, patch repository.ScheduledTask) error
}

// Publisher is the subset of broker.Queue request_run needs to
// publish an immediate, out-of-schedule Firing.
type Publisher interface {
	Publish(ctx context.Context, f *firing.Firing) (int64, error)
}

// Server is a Component exposing Store over HTTP.
type Server struct {
	store     Store
	publisher Publisher
	cfg       config.ServerConfig

	mu      sync.RWMutex
	server  *http.Server
	started bool
}

func NewServer(store Store, publisher Publisher, cfg config.ServerConfig) *Server {
	return &Server{store: store, publisher: publisher, cfg: cfg}
}

func (s *Server) Name() string           { return "webservice" }
func (s *Server) Dependencies() []string { return nil }

// Handler returns the router built by Init, for tests that wrap it in
// an httptest.Server rather than binding a real port.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server.Handler
}

func (s *Server) Init(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	router.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}", s.handlePatchTask).Methods(http.MethodPatch)
	router.HandleFunc("/tasks/{id}/request_run", s.handleRequestRun).Methods(http.MethodPost)
	router.HandleFunc("/task_runs", s.handleRecordRun).Methods(http.MethodPost)

	readTimeout, err := config.DurationOrDefault(s.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse webservice read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(s.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse webservice write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(s.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse webservice idle timeout: %w", err)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	slog.Info("Web service initialized", "port", s.cfg.Port)
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	go func() {
		slog.Info("Web service listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Web service failed", "error", err)
		}
	}()

	s.started = true
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	shutdownTimeout, err := config.DurationOrDefault(s.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse webservice shutdown timeout: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.started = false
	return nil
}

func (s *Server) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: s.started}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      *int64 `json:"id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t repository.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, createTaskResponse{Success: false, Message: "invalid request body"})
		return
	}
	if err := t.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, createTaskResponse{Success: false, Message: err.Error()})
		return
	}

	id, err := s.store.InsertTask(r.Context(), t)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, createTaskResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, createTaskResponse{Success: true, Message: "created", ID: &id})
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Success: false, Message: err.Error()})
		return
	}

	var patch repository.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Success: false, Message: "invalid request body"})
		return
	}

	if err := s.store.UpdateTask(r.Context(), id, patch); err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "updated"})
}

// handleRequestRun publishes an immediate Firing bypassing the
// scheduler tick, per spec.md §6.
func (s *Server) handleRequestRun(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Success: false, Message: err.Error()})
		return
	}

	task, ok, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Success: false, Message: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, statusResponse{Success: false, Message: "task not found"})
		return
	}

	f := &firing.Firing{
		TaskID:         task.ID,
		ScheduledFor:   time.Now(),
		Attempt:        0,
		Configuration:  task.ActionConfiguration,
		ActionName:     task.ActionName,
		ActionFunction: task.ActionFunction,
		TimeoutMs:      task.TimeoutMs,
	}
	if _, err := s.publisher.Publish(r.Context(), f); err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "run requested"})
}

func (s *Server) handleRecordRun(w http.ResponseWriter, r *http.Request) {
	var run repository.TaskRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.RecordRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func taskIDFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}
