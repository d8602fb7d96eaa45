// Package service wraps the caption pipeline behind a lazily loaded, load-once gate and maps
// failures onto the three error classes callers report: unavailable model, invalid input, and
// internal errors.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/setsumei/internal/caption"
	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/fileid"
	"github.com/hyperjump/setsumei/internal/imageproc"
	"github.com/hyperjump/setsumei/internal/inference"
	"github.com/hyperjump/setsumei/internal/vocab"
)

var (
	// ErrModelUnavailable means the vocabulary or a network could not be found on disk.
	ErrModelUnavailable = errors.New("model not loaded")
	// ErrInvalidInput means the upload was rejected before or during image decoding.
	ErrInvalidInput = errors.New("invalid input")
)

// Error is a classified service failure. Detail is safe to show to clients.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string { return e.Detail }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidInput(detail string, err error) error {
	return &Error{Kind: ErrInvalidInput, Detail: detail, Err: err}
}

// Upload is one image submitted for captioning.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Result is a finished caption.
type Result struct {
	Caption string             `json:"caption"`
	Tokens  []string           `json:"tokens"`
	Steps   int                `json:"steps"`
	Stop    caption.StopReason `json:"stop_reason"`
	Digest  string             `json:"digest"`
	// SniffedType is the MIME type detected from the payload, which may differ from the
	// declared one.
	SniffedType string        `json:"sniffed_type"`
	Format      string        `json:"format"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Model       string        `json:"model"`
	Duration    time.Duration `json:"duration"`
	Cached      bool          `json:"cached"`
	// Features is the backbone output, kept for similarity indexing.
	Features []float32 `json:"-"`
}

// Pipeline is the loaded set of artifacts.
type Pipeline struct {
	Vocab    *vocab.Vocabulary
	Backbone inference.Backbone
	Model    inference.SequenceModel
}

// Close releases both networks.
func (p *Pipeline) Close() error {
	return errors.Join(p.Backbone.Close(), p.Model.Close())
}

// Loader builds a pipeline. It is called under the service's load gate.
type Loader func(ctx context.Context) (*Pipeline, error)

// Stats reports service counters.
type Stats struct {
	Loaded       bool   `json:"loaded"`
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	CacheHits    int64  `json:"cache_hits"`
	CacheEntries int    `json:"cache_entries"`
	Loads        int64  `json:"loads"`
}

// Service captions images. One Service is created per process and shared by reference.
type Service struct {
	cfg    config.ModelConfig
	loader Loader
	logger *zap.Logger

	mu       sync.Mutex
	pipeline atomic.Pointer[Pipeline]
	loads    atomic.Int64

	group     singleflight.Group
	cache     *resultCache
	requests  atomic.Int64
	cacheHits atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLoader replaces the ONNX loader, mainly for tests.
func WithLoader(l Loader) Option {
	return func(s *Service) { s.loader = l }
}

// New returns a service for cfg. Nothing is loaded until the first caption or an explicit Load.
func New(cfg config.ModelConfig, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: zap.NewNop(),
		cache:  newResultCache(cfg.CacheSize),
	}
	s.loader = ONNXLoader(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ONNXLoader loads the vocabulary and both networks named by cfg. Missing files are reported
// as ErrModelUnavailable.
func ONNXLoader(cfg config.ModelConfig) Loader {
	return func(ctx context.Context) (*Pipeline, error) {
		for _, path := range []string{cfg.VocabularyPath, cfg.BackbonePath, cfg.DecoderPath} {
			if err := checkArtifact(path); err != nil {
				return nil, err
			}
		}
		v, err := vocab.Load(cfg.VocabularyPath)
		if err != nil {
			return nil, err
		}
		if err := inference.InitRuntime(cfg.OnnxRuntimeLibrary); err != nil {
			return nil, err
		}
		backbone, err := inference.NewONNXBackbone(inference.BackboneOptions{
			ModelPath:   cfg.BackbonePath,
			InputName:   cfg.BackboneInput,
			OutputName:  cfg.BackboneOutput,
			ImageSize:   cfg.ImageSize,
			FeatureSize: cfg.FeatureSize,
		})
		if err != nil {
			return nil, err
		}
		model, err := inference.NewONNXSequenceModel(inference.SequenceModelOptions{
			ModelPath:     cfg.DecoderPath,
			FeatureInput:  cfg.DecoderFeatureInput,
			SequenceInput: cfg.DecoderSequenceInput,
			OutputName:    cfg.DecoderOutput,
			FeatureSize:   cfg.FeatureSize,
			MaxLength:     caption.MaxLength,
			VocabSize:     v.OutputSize(),
		})
		if err != nil {
			backbone.Close()
			return nil, err
		}
		return &Pipeline{Vocab: v, Backbone: backbone, Model: model}, nil
	}
}

func checkArtifact(path string) error {
	if path == "" {
		return &Error{Kind: ErrModelUnavailable, Detail: "Model not loaded: no path configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Error{Kind: ErrModelUnavailable, Detail: "Model not loaded: " + path + " not found", Err: err}
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if info.IsDir() {
		return &Error{Kind: ErrModelUnavailable, Detail: "Model not loaded: " + path + " is a directory"}
	}
	return nil
}

// Load loads the pipeline if it is not loaded yet. A failed load is not remembered; the next
// call tries again.
func (s *Service) Load(ctx context.Context) error {
	_, err := s.ensureLoaded(ctx)
	return err
}

func (s *Service) ensureLoaded(ctx context.Context) (*Pipeline, error) {
	if p := s.pipeline.Load(); p != nil {
		return p, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pipeline.Load(); p != nil {
		return p, nil
	}

	start := time.Now()
	p, err := s.loader(ctx)
	if err != nil {
		s.logger.Warn("model load failed", zap.Error(err))
		if errors.Is(err, ErrModelUnavailable) {
			return nil, err
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: ErrModelUnavailable, Detail: "Model not loaded: " + err.Error(), Err: err}
		}
		return nil, fmt.Errorf("loading model: %w", err)
	}
	if n := p.Backbone.FeatureSize(); s.cfg.FeatureSize > 0 && n != s.cfg.FeatureSize {
		p.Close()
		return nil, fmt.Errorf("%w: backbone produces %d features, want %d", inference.ErrUnexpectedOutput, n, s.cfg.FeatureSize)
	}
	if err := checkPipeline(p); err != nil {
		p.Close()
		return nil, err
	}
	s.pipeline.Store(p)
	s.loads.Add(1)
	s.logger.Info("model loaded",
		zap.String("model", s.ModelName()),
		zap.Int("vocabulary", p.Vocab.Size()),
		zap.Duration("took", time.Since(start)))
	return p, nil
}

// checkPipeline verifies that the vocabulary and the sequence model belong together.
func checkPipeline(p *Pipeline) error {
	if n, want := p.Model.VocabSize(), p.Vocab.OutputSize(); n < want {
		return fmt.Errorf("%w: sequence model predicts %d ids, vocabulary needs %d", inference.ErrUnexpectedOutput, n, want)
	}
	for _, marker := range []string{caption.StartMarker, caption.EndMarker} {
		if !p.Vocab.Contains(marker) {
			return fmt.Errorf("%w: no %q marker", vocab.ErrInvalid, marker)
		}
	}
	return nil
}

// Loaded reports whether the pipeline is in memory.
func (s *Service) Loaded() bool {
	return s.pipeline.Load() != nil
}

// ModelName is the decoder weights name, e.g. "model_9".
func (s *Service) ModelName() string {
	return s.cfg.ModelName()
}

// Validate checks the upload preconditions without loading anything.
func Validate(up Upload) error {
	if !imageproc.IsAllowedContentType(up.ContentType) {
		return invalidInput("Invalid file type. Allowed: "+strings.Join(imageproc.AllowedContentTypes(), ", "), nil)
	}
	if len(up.Data) == 0 {
		return invalidInput("Empty file", nil)
	}
	return nil
}

// Caption validates the upload, loads the pipeline if needed, and decodes a caption.
// Concurrent requests for the same bytes share one computation.
func (s *Service) Caption(ctx context.Context, up Upload) (*Result, error) {
	if err := Validate(up); err != nil {
		return nil, err
	}
	s.requests.Add(1)
	p, err := s.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	digest := fileid.Digest(up.Data)
	if res, ok := s.cache.Get(digest); ok {
		s.cacheHits.Add(1)
		out := *res
		out.Cached = true
		return &out, nil
	}

	// The shared computation outlives any one caller. Each caller stops waiting when its own
	// context ends.
	ch := s.group.DoChan(digest, func() (interface{}, error) {
		res, err := s.run(context.WithoutCancel(ctx), p, up.Data)
		if err != nil {
			return nil, err
		}
		res.Digest = digest
		s.cache.Set(digest, res)
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Debug("caption shared", zap.String("digest", digest))
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

// CaptionFile captions an image on disk. The content type is derived from the extension.
func (s *Service) CaptionFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return s.Caption(ctx, Upload{
		Data:        data,
		ContentType: imageproc.ContentTypeForPath(path),
		Filename:    path,
	})
}

func (s *Service) run(ctx context.Context, p *Pipeline, data []byte) (*Result, error) {
	start := time.Now()
	prep, err := imageproc.DecodeAndPreprocess(data, s.cfg.ImageSize)
	if err != nil {
		return nil, invalidInput("Invalid image: "+err.Error(), err)
	}
	features, err := p.Backbone.Extract(ctx, prep.Pixels)
	if err != nil {
		return nil, fmt.Errorf("extracting features: %w", err)
	}
	if len(features) != p.Backbone.FeatureSize() {
		return nil, fmt.Errorf("%w: backbone returned %d values, want %d", inference.ErrUnexpectedOutput, len(features), p.Backbone.FeatureSize())
	}
	decoded, err := caption.NewDecoder(p.Model, p.Vocab).Decode(ctx, features)
	if err != nil {
		return nil, err
	}
	b := prep.Image.Bounds()
	res := &Result{
		Caption:     decoded.Caption,
		Tokens:      decoded.Tokens,
		Steps:       decoded.Steps,
		Stop:        decoded.Stop,
		SniffedType: mimetype.Detect(data).String(),
		Format:      prep.Format,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Model:       s.ModelName(),
		Duration:    time.Since(start),
		Features:    features,
	}
	s.logger.Debug("captioned",
		zap.String("caption", res.Caption),
		zap.String("stop", string(res.Stop)),
		zap.Int("steps", res.Steps),
		zap.Duration("took", res.Duration))
	return res, nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Loaded:       s.Loaded(),
		Model:        s.ModelName(),
		Requests:     s.requests.Load(),
		CacheHits:    s.cacheHits.Load(),
		CacheEntries: s.cache.Len(),
		Loads:        s.loads.Load(),
	}
}

// Close releases the loaded networks, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pipeline.Swap(nil)
	if p == nil {
		return nil
	}
	return p.Close()
}
