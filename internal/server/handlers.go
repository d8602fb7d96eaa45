package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/internal/storage"
)

const uploadField = "file"

type rootResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{"GET /", "GET /health", "POST /caption"}
	if s.history != nil {
		endpoints = append(endpoints,
			"GET /api/v1/captions",
			"GET /api/v1/captions/search",
			"GET /api/v1/captions/{id}",
			"GET /api/v1/captions/{id}/similar",
			"DELETE /api/v1/captions/{id}")
	}
	endpoints = append(endpoints, "GET /api/v1/status")
	if s.watch != nil {
		endpoints = append(endpoints, "GET|POST|DELETE /api/v1/watch/directories")
	}
	s.respondJSON(w, http.StatusOK, rootResponse{
		Service:   "Image Caption API",
		Version:   Version,
		Endpoints: endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type captionResponse struct {
	Caption string `json:"caption"`
}

type verboseCaptionResponse struct {
	*service.Result
	ID string `json:"id,omitempty"`
}

func (s *Server) handleCaption(w http.ResponseWriter, r *http.Request) {
	if limit := s.config.Server.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
			s.respondError(w, http.StatusRequestEntityTooLarge, "File too large")
		case errors.Is(err, http.ErrMissingFile):
			s.respondError(w, http.StatusBadRequest, "Missing form field: "+uploadField)
		default:
			s.respondError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		}
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Could not read upload: "+err.Error())
		return
	}

	up := service.Upload{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
	}
	s.logger.Debug("caption request",
		zap.String("filename", up.Filename),
		zap.String("content_type", up.ContentType),
		zap.Int("bytes", len(up.Data)))
	res, err := s.service.Caption(r.Context(), up)
	if err != nil {
		s.respondServiceError(w, "caption failed", err)
		return
	}

	var id string
	if s.history != nil {
		rec, err := s.history.RecordResult(r.Context(), up, res, models.SourceUpload, nil)
		if err != nil {
			s.logger.Warn("recording caption failed", zap.Error(err))
		} else {
			id = rec.ID
		}
	}
	if verbose, _ := strconv.ParseBool(r.URL.Query().Get("verbose")); verbose {
		s.respondJSON(w, http.StatusOK, verboseCaptionResponse{Result: res, ID: id})
		return
	}
	s.respondJSON(w, http.StatusOK, captionResponse{Caption: res.Caption})
}

// statusFor maps service and storage errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"detail": message})
}
