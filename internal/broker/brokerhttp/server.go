// Package brokerhttp exposes a broker.Broker over the HTTP control
// plane described in spec.md §6: /publish, /lease, /ack/{id},
// /nack/{id}. It also ships a Client satisfying broker.Queue so the
// scheduler and worker can be pointed at a remote broker process with
// --broker-backend=http.
package brokerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/runinator/runinator/internal/broker"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/firing"
)

// Server wraps a broker.Broker in the HTTP control plane. It
// implements daemon.Component so a broker process can run it as the
// transport alongside the underlying Broker's own sweep loop.
type Server struct {
	broker *broker.Broker
	cfg    config.ServerConfig

	mu     sync.RWMutex
	server *http.Server

	started bool
}

func NewServer(b *broker.Broker, cfg config.ServerConfig) *Server {
	return &Server{broker: b, cfg: cfg}
}

func (s *Server) Name() string           { return "broker-http" }
func (s *Server) Dependencies() []string { return []string{"broker"} }

func (s *Server) Init(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	router.HandleFunc("/lease", s.handleLease).Methods(http.MethodPost)
	router.HandleFunc("/ack/{id}", s.handleAck).Methods(http.MethodPost)
	router.HandleFunc("/nack/{id}", s.handleNack).Methods(http.MethodPost)
	router.HandleFunc("/dead", s.handleListDead).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	readTimeout, err := config.DurationOrDefault(s.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse broker server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(s.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse broker server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(s.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse broker server idle timeout: %w", err)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	slog.Info("Broker HTTP server initialized", "port", s.cfg.Port)
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	go func() {
		slog.Info("Broker HTTP server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Broker HTTP server failed", "error", err)
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
		return fmt.Errorf("parse broker server shutdown timeout: %w", err)
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

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var f firing.Firing
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.broker.Publish(r.Context(), &f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	consumerID := r.URL.Query().Get("consumer_id")
	if consumerID == "" {
		writeError(w, http.StatusBadRequest, "consumer_id is required")
		return
	}

	waitMs := 0
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "wait_ms must be a nonnegative integer")
			return
		}
		waitMs = n
	}

	f, err := s.broker.Lease(r.Context(), consumerID, time.Duration(waitMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "lease interrupted")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type ackRequest struct {
	LeaseToken string `json:"lease_token"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := firingIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.broker.Ack(r.Context(), id, req.LeaseToken); err != nil {
		if runinatorerrors.IsCategory(err, runinatorerrors.ErrLeaseStale) {
			writeError(w, http.StatusGone, "lease stale")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type nackRequest struct {
	LeaseToken string `json:"lease_token"`
	Requeue    bool   `json:"requeue"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	id, err := firingIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req nackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.broker.Nack(r.Context(), id, req.LeaseToken, req.Requeue, req.Reason); err != nil {
		if runinatorerrors.IsCategory(err, runinatorerrors.ErrLeaseStale) {
			writeError(w, http.StatusGone, "lease stale")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	dead, err := s.broker.ListDead(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.broker.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": stats.Pending,
		"leased":  stats.Leased,
		"dead":    stats.Dead,
	})
}

func firingIDFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid firing id %q", raw)
	}
	return id, nil
}
