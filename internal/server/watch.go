package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/internal/storage"
)

type statusResponse struct {
	Model   service.Stats  `json:"model"`
	History *historyStatus `json:"history,omitempty"`
	Watch   []string       `json:"watch_directories,omitempty"`
}

type historyStatus struct {
	Records int64          `json:"records"`
	Vectors int            `json:"vectors"`
	Disk    *storage.Usage `json:"disk,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Model: s.service.Stats()}
	if s.history != nil {
		count, err := s.history.Count(r.Context())
		if err != nil {
			s.respondServiceError(w, "status: count records failed", err)
			return
		}
		hs := &historyStatus{Records: count, Vectors: s.history.VectorCount()}
		h := s.config.History
		if usage, err := storage.HistoryUsage(h.DatabasePath, h.BleveIndexPath, h.VectorIndexPath); err == nil {
			hs.Disk = &usage
		} else {
			s.logger.Debug("status: disk usage failed", zap.Error(err))
		}
		resp.History = hs
	}
	if s.watch != nil {
		resp.Watch = s.watch.Directories()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) watchEnabled(w http.ResponseWriter) bool {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return false
	}
	return true
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if !s.watchEnabled(w) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if !s.watchEnabled(w) {
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		s.respondError(w, http.StatusNotFound, "directory not found")
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	case !info.IsDir():
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := req.Sync == nil || *req.Sync
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.respondServiceError(w, "watch add directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if !s.watchEnabled(w) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.respondServiceError(w, "watch remove directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}
