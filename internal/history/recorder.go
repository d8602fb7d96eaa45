// Package history records captions into storage, the caption text index, and the image
// feature index, and answers history, search, and similarity queries over them.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/fileid"
	"github.com/hyperjump/setsumei/internal/imageproc"
	"github.com/hyperjump/setsumei/internal/keyword"
	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/internal/storage"
	"github.com/hyperjump/setsumei/internal/vector"
)

// Captioner produces captions; *service.Service satisfies it.
type Captioner interface {
	Caption(ctx context.Context, up service.Upload) (*service.Result, error)
}

// Recorder writes caption records to storage, keyword index, and vector index.
type Recorder struct {
	storage      storage.Storage
	keywordIndex keyword.Index
	vectorIndex  vector.Index
	captioner    Captioner
	logger       *zap.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets a logger for debug output (file captioned, record deleted, etc.).
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates a recorder. captioner may be nil when only querying history.
func NewRecorder(
	store storage.Storage,
	keywordIndex keyword.Index,
	vectorIndex vector.Index,
	captioner Captioner,
	opts ...RecorderOption,
) *Recorder {
	r := &Recorder{
		storage:      store,
		keywordIndex: keywordIndex,
		vectorIndex:  vectorIndex,
		captioner:    captioner,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores rec and indexes its caption text and, when given, its image features.
func (r *Recorder) Record(ctx context.Context, rec *models.CaptionRecord, features []float32) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := r.storage.CreateRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	if err := r.keywordIndex.Index(ctx, rec); err != nil {
		return fmt.Errorf("failed to index caption: %w", err)
	}
	if len(features) > 0 {
		if err := r.vectorIndex.Upsert(ctx, rec.ID, features); err != nil {
			return fmt.Errorf("failed to index features: %w", err)
		}
	}
	r.logger.Debug("caption recorded", zap.String("id", rec.ID), zap.String("source", rec.Source))
	return nil
}

// RecordResult builds a record from a finished caption and records it under a new ID.
func (r *Recorder) RecordResult(ctx context.Context, up service.Upload, res *service.Result, source string, metadata map[string]interface{}) (*models.CaptionRecord, error) {
	rec := recordFromResult(up, res, source)
	rec.Metadata = metadata
	if err := r.Record(ctx, rec, res.Features); err != nil {
		return nil, err
	}
	return rec, nil
}

func recordFromResult(up service.Upload, res *service.Result, source string) *models.CaptionRecord {
	return &models.CaptionRecord{
		Digest:      res.Digest,
		Source:      source,
		Filename:    filepath.Base(up.Filename),
		ContentType: up.ContentType,
		SniffedType: res.SniffedType,
		Caption:     res.Caption,
		Model:       res.Model,
		Width:       res.Width,
		Height:      res.Height,
		DurationMS:  res.Duration.Milliseconds(),
	}
}

const (
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// CaptionFile captions the image at path and records it. The record ID is derived from the
// absolute path so re-captioning replaces the same record. If allowedExts is non-empty the
// extension must be in the list (case-insensitive). Unchanged files (same mtime and size as
// the stored record) are skipped and their stored record returned.
func (r *Recorder) CaptionFile(ctx context.Context, path string, allowedExts []string) (*models.CaptionRecord, error) {
	if r.captioner == nil {
		return nil, errors.New("recorder has no captioner")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !ExtensionAllowed(ext, allowedExts) {
		return nil, fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}

	id := fileid.PathID(absPath)
	if existing := r.unchangedRecord(ctx, id, absPath, info); existing != nil {
		// Repopulates the keyword index if it was rebuilt empty.
		_ = r.keywordIndex.Index(ctx, existing)
		r.logger.Debug("skipping unchanged file", zap.String("path", absPath))
		return existing, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	up := service.Upload{Data: data, ContentType: imageproc.ContentTypeForPath(absPath), Filename: absPath}
	res, err := r.captioner.Caption(ctx, up)
	if err != nil {
		return nil, err
	}
	rec := recordFromResult(up, res, models.SourceWatch)
	rec.ID = id
	rec.Path = absPath
	rec.Metadata = map[string]interface{}{
		// Strings, since UnixNano exceeds float64 precision after a JSON round trip.
		metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
		metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
	}
	if err := r.Record(ctx, rec, res.Features); err != nil {
		return nil, err
	}
	r.logger.Debug("file captioned", zap.String("path", absPath), zap.String("caption", rec.Caption))
	return rec, nil
}

// unchangedRecord returns the stored record for id if it still describes absPath as seen in info.
func (r *Recorder) unchangedRecord(ctx context.Context, id, absPath string, info os.FileInfo) *models.CaptionRecord {
	rec, err := r.storage.GetRecord(ctx, id)
	if err != nil || rec.Path != absPath || rec.Metadata == nil {
		return nil
	}
	if metadataInt64(rec.Metadata, metaKeySourceMtime) != info.ModTime().UnixNano() ||
		metadataInt64(rec.Metadata, metaKeySourceSize) != info.Size() {
		return nil
	}
	return rec
}

func metadataInt64(m map[string]interface{}, key string) int64 {
	switch n := m[key].(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

// CaptionDirectory walks dir and captions each regular file whose extension is in
// allowedExts (the default image extensions when empty). Files that fail to caption are logged and skipped. Returns the number of
// files recorded (including unchanged ones).
func (r *Recorder) CaptionDirectory(ctx context.Context, dir string, allowedExts []string, recursive bool) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	if len(allowedExts) == 0 {
		allowedExts = config.DefaultImageExtensions
	}
	n := 0
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != absDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !ExtensionAllowed(filepath.Ext(path), allowedExts) {
			return nil
		}
		if _, err := r.CaptionFile(ctx, path, allowedExts); err != nil {
			r.logger.Warn("failed to caption file", zap.String("path", path), zap.Error(err))
			return nil
		}
		n++
		return nil
	})
	return n, err
}

// ExtensionAllowed reports whether ext is in allowed (case-insensitive, leading dot optional).
func ExtensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// Delete removes a record from all indices and storage.
func (r *Recorder) Delete(ctx context.Context, id string) error {
	if _, err := r.storage.GetRecord(ctx, id); err != nil {
		return err
	}
	if err := r.keywordIndex.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	if err := r.vectorIndex.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from vector index: %w", err)
	}
	if err := r.storage.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	r.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

// DeletePath removes the record of a watched file. A path with no record is not an error.
func (r *Recorder) DeletePath(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	err = r.Delete(ctx, fileid.PathID(absPath))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Get returns a record by ID.
func (r *Recorder) Get(ctx context.Context, id string) (*models.CaptionRecord, error) {
	return r.storage.GetRecord(ctx, id)
}

// GetByDigest returns the most recent record of an image by its content digest.
func (r *Recorder) GetByDigest(ctx context.Context, digest string) (*models.CaptionRecord, error) {
	return r.storage.GetRecordByDigest(ctx, digest)
}

// List returns records newest first.
func (r *Recorder) List(ctx context.Context, offset, limit int) ([]*models.CaptionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return r.storage.ListRecords(ctx, offset, limit)
}

// Count returns the number of stored records.
func (r *Recorder) Count(ctx context.Context) (int64, error) {
	return r.storage.CountRecords(ctx)
}

// Search runs a full-text query over stored captions.
func (r *Recorder) Search(ctx context.Context, q *models.HistoryQuery) (*models.SearchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	hits, total, err := r.keywordIndex.Search(ctx, q.Query, q.Limit, &keyword.SearchOptions{
		Fuzzy:  q.Fuzzy,
		Model:  q.Model,
		Offset: q.Offset,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	recs, err := r.storage.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{Query: q.Query, Total: total, Hits: make([]*models.SearchHit, 0, len(hits))}
	for _, h := range hits {
		rec, ok := recs[h.ID]
		if !ok {
			// Stale keyword entry for a record deleted behind the index's back.
			continue
		}
		hit := &models.SearchHit{Record: rec, Score: h.Score, Rank: q.Offset + len(resp.Hits) + 1}
		if h.Highlight != "" {
			hit.Highlights = map[string]string{"caption": h.Highlight}
		}
		resp.Hits = append(resp.Hits, hit)
	}
	if !q.Fuzzy {
		if s, err := r.keywordIndex.Suggest(q.Query); err == nil && s != "" {
			resp.Suggestion = s
		}
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// Similar returns up to k stored captions whose images are closest to the image of record id.
func (r *Recorder) Similar(ctx context.Context, id string, k int) ([]*models.SimilarHit, error) {
	if _, err := r.storage.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	vec, ok := r.vectorIndex.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: no features for %s", storage.ErrNotFound, id)
	}
	if k <= 0 {
		k = 5
	}
	hits, err := r.vectorIndex.Search(ctx, vec, k, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	recs, err := r.storage.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SimilarHit, 0, len(hits))
	for _, h := range hits {
		if rec, ok := recs[h.ID]; ok {
			out = append(out, &models.SimilarHit{Record: rec, Score: h.Score})
		}
	}
	return out, nil
}

// VectorCount returns the number of indexed feature vectors.
func (r *Recorder) VectorCount() int {
	return r.vectorIndex.Size()
}

// SaveVectors persists the feature index to path.
func (r *Recorder) SaveVectors(path string) error {
	return r.vectorIndex.Save(path)
}
