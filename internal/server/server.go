// Package server provides the local HTTP API of the sentinel: health,
// metrics, quarantine management and manual feed updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/internal/config"
	"github.com/invisible-tech/download-sentinel/internal/types"
	"github.com/invisible-tech/download-sentinel/internal/version"
	"github.com/invisible-tech/download-sentinel/pkg/feeds"
	"github.com/invisible-tech/download-sentinel/pkg/monitor"
	"github.com/invisible-tech/download-sentinel/pkg/quarantine"
)

// Backend is what the API needs from the running monitor.
type Backend interface {
	Quarantine() *quarantine.Manager
	RestoreQuarantined(id, destination string) (*quarantine.Record, error)
	TriggerFeedUpdate(ctx context.Context) error
	Snapshot() monitor.Snapshot
}

// Server is the HTTP server for the sentinel API.
type Server struct {
	cfg        config.HTTPConfig
	backend    Backend
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server backed by b.
func New(cfg config.HTTPConfig, b Backend, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, backend: b, log: log}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/quarantine", s.handleList)
	mux.HandleFunc("GET /api/v1/quarantine/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/v1/quarantine/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/quarantine/{id}/restore", s.handleRestore)
	mux.HandleFunc("POST /api/v1/feeds/update", s.handleFeedUpdate)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

type restoreRequest struct {
	Destination string `json:"destination"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// quarantineStatus maps quarantine errors onto HTTP statuses.
func quarantineStatus(err error) int {
	switch {
	case errors.Is(err, quarantine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quarantine.ErrDestinationExists):
		return http.StatusConflict
	case errors.Is(err, quarantine.ErrIntegrity), errors.Is(err, quarantine.ErrCorruptArtifact):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter *types.ThreatLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, err := types.ParseThreatLevel(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = &level
	}
	recs, err := s.backend.Quarantine().List(filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list quarantine")
		writeError(w, http.StatusInternalServerError, "failed to list quarantine")
		return
	}
	if recs == nil {
		recs = []quarantine.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.Quarantine().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, quarantineStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Quarantine().DeleteFile(id); err != nil {
		if status := quarantineStatus(err); status != http.StatusInternalServerError {
			writeError(w, status, err.Error())
			return
		}
		s.log.WithError(err).WithField("id", id).Error("Failed to delete quarantined file")
		writeError(w, http.StatusInternalServerError, "failed to delete quarantined file")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRestore restores to the requested destination, or to the original
// path when none is given.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req restoreRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	q := s.backend.Quarantine()
	dest := req.Destination
	if dest == "" {
		rec, err := q.Get(id)
		if err != nil {
			writeError(w, quarantineStatus(err), err.Error())
			return
		}
		dest = rec.OriginalPath
	}
	if !filepath.IsAbs(dest) {
		writeError(w, http.StatusBadRequest, "destination must be an absolute path")
		return
	}

	rec, err := s.backend.RestoreQuarantined(id, filepath.Clean(dest))
	if err != nil {
		status := quarantineStatus(err)
		if status == http.StatusInternalServerError {
			s.log.WithError(err).WithField("id", id).Error("Restore failed")
		}
		writeError(w, status, err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{"id": id, "destination": dest, "remote": r.RemoteAddr}).Info("Restore requested via API")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          rec.ID,
		"sha256":      rec.SHA256,
		"destination": dest,
	})
}

func (s *Server) handleFeedUpdate(w http.ResponseWriter, r *http.Request) {
	err := s.backend.TriggerFeedUpdate(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, feeds.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.log.WithError(err).Warn("Manual feed update failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	snap := s.backend.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"rules":  snap.Rules,
		"pulse":  snap.Pulse,
	})
}
