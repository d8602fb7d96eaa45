// Package server provides the HTTP API for setsumei.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/history"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/pkg/utils"
)

// Version is reported by GET /. cmd/setsumei sets it from its own version.
var Version = "dev"

// WatchService manages watched drop folders. *watcher.Watcher satisfies it.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the caption API.
type Server struct {
	service    *service.Service
	history    *history.Recorder
	config     *config.Config
	configPath string
	watch      WatchService
	logger     *zap.Logger
	server     *http.Server

	configMu sync.Mutex
}

// NewServer creates a server. history and watch may be nil, which disables their endpoints.
// configPath is where watch directory changes are persisted; empty disables persisting.
func NewServer(
	svc *service.Service,
	rec *history.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
	watch WatchService,
	configPath string,
) *Server {
	return &Server{
		service:    svc,
		history:    rec,
		config:     cfg,
		configPath: configPath,
		watch:      watch,
		logger:     utils.OrNop(logger),
	}
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/caption", s.handleCaption)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/status", s.handleStatus)

		r.Get("/captions", s.handleListCaptions)
		r.Get("/captions/search", s.handleSearchCaptions)
		r.Get("/captions/digest/{digest}", s.handleGetCaptionByDigest)
		r.Get("/captions/{id}", s.handleGetCaption)
		r.Get("/captions/{id}/similar", s.handleSimilarCaptions)
		r.Delete("/captions/{id}", s.handleDeleteCaption)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

const requestIDHeader = "X-Request-Id"

// requestID propagates the caller's request id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
