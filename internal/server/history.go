package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/models"
)

type listResponse struct {
	Records []*models.CaptionRecord `json:"records"`
	Total   int64                   `json:"total"`
	Offset  int                     `json:"offset"`
	Limit   int                     `json:"limit"`
}

// queryInt parses an integer query parameter, returning def when it is absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.history == nil {
		s.respondError(w, http.StatusNotImplemented, "history not enabled")
		return false
	}
	return true
}

func (s *Server) handleListCaptions(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	offset, ok1 := queryInt(r, "offset", 0)
	limit, ok2 := queryInt(r, "limit", 20)
	if !ok1 || !ok2 {
		s.respondError(w, http.StatusBadRequest, "offset and limit must be integers")
		return
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := s.history.List(r.Context(), offset, limit)
	if err != nil {
		s.respondServiceError(w, "list captions failed", err)
		return
	}
	total, err := s.history.Count(r.Context())
	if err != nil {
		s.respondServiceError(w, "count captions failed", err)
		return
	}
	if recs == nil {
		recs = []*models.CaptionRecord{}
	}
	s.respondJSON(w, http.StatusOK, listResponse{Records: recs, Total: total, Offset: offset, Limit: limit})
}

func (s *Server) handleSearchCaptions(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	q := r.URL.Query()
	limit, ok1 := queryInt(r, "limit", 0)
	offset, ok2 := queryInt(r, "offset", 0)
	if !ok1 || !ok2 {
		s.respondError(w, http.StatusBadRequest, "offset and limit must be integers")
		return
	}
	fuzzy, _ := strconv.ParseBool(q.Get("fuzzy"))
	query := &models.HistoryQuery{
		Query:  q.Get("q"),
		Limit:  limit,
		Offset: offset,
		Fuzzy:  fuzzy,
		Model:  q.Get("model"),
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	resp, err := s.history.Search(r.Context(), query)
	if err != nil {
		s.respondServiceError(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCaption(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	rec, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, "get caption failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetCaptionByDigest(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	rec, err := s.history.GetByDigest(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		s.respondServiceError(w, "get caption by digest failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSimilarCaptions(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	k, ok := queryInt(r, "k", 5)
	if !ok || k <= 0 || k > 100 {
		s.respondError(w, http.StatusBadRequest, "k must be an integer between 1 and 100")
		return
	}
	hits, err := s.history.Similar(r.Context(), chi.URLParam(r, "id"), k)
	if err != nil {
		s.respondServiceError(w, "similar captions failed", err)
		return
	}
	if hits == nil {
		hits = []*models.SimilarHit{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) handleDeleteCaption(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete caption request", zap.String("id", id))
	if err := s.history.Delete(r.Context(), id); err != nil {
		s.respondServiceError(w, "delete caption failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
