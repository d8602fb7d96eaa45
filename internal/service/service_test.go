package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/inference"
	"github.com/hyperjump/setsumei/internal/vocab"
)

const featureSize = 16

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	backbone *inference.MockBackbone
	model    *inference.ScriptedModel
	loads    atomic.Int64
}

// newTestService returns a service whose pipeline captions every image "a dog on grass".
func newTestService(t *testing.T, cacheSize int) (*Service, *fixture) {
	t.Helper()
	v, err := vocab.New(map[string]int{"start": 1, "end": 2, "a": 3, "dog": 4, "on": 5, "grass": 6})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		backbone: inference.NewMockBackbone(featureSize),
		model:    inference.NewScriptedModel(v.OutputSize(), 3, 4, 5, 6, 2),
	}
	cfg := config.ModelConfig{
		DecoderPath: "models/model_9.onnx",
		FeatureSize: featureSize,
		ImageSize:   8,
		CacheSize:   cacheSize,
	}
	svc := New(cfg, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		f.loads.Add(1)
		return &Pipeline{Vocab: v, Backbone: f.backbone, Model: f.model}, nil
	}))
	t.Cleanup(func() { svc.Close() })
	return svc, f
}

func TestCaption_OnePixelPNG(t *testing.T) {
	svc, _ := newTestService(t, 10)
	res, err := svc.Caption(context.Background(), Upload{
		Data:        pngBytes(t, 1, 1, color.White),
		ContentType: "image/png",
		Filename:    "pixel.png",
	})
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if res.Caption != "a dog on grass" {
		t.Errorf("caption = %q", res.Caption)
	}
	if res.Model != "model_9" {
		t.Errorf("model = %q", res.Model)
	}
	if res.SniffedType != "image/png" || res.Format != "png" {
		t.Errorf("sniffed = %q format = %q", res.SniffedType, res.Format)
	}
	if res.Width != 1 || res.Height != 1 {
		t.Errorf("size = %dx%d", res.Width, res.Height)
	}
	if len(res.Features) != featureSize || res.Digest == "" {
		t.Errorf("features = %d digest = %q", len(res.Features), res.Digest)
	}
}

func TestCaption_Validation(t *testing.T) {
	data := pngBytes(t, 2, 2, color.Black)
	tests := []struct {
		name   string
		up     Upload
		detail string
	}{
		{"empty file", Upload{ContentType: "image/png"}, "Empty file"},
		{"text plain", Upload{Data: []byte("hello"), ContentType: "text/plain"},
			"Invalid file type. Allowed: image/jpeg, image/png, image/webp, image/gif"},
		{"missing type", Upload{Data: data}, "Invalid file type. Allowed: image/jpeg, image/png, image/webp, image/gif"},
		{"type checked first", Upload{ContentType: "application/pdf"},
			"Invalid file type. Allowed: image/jpeg, image/png, image/webp, image/gif"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, f := newTestService(t, 10)
			_, err := svc.Caption(context.Background(), tt.up)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
			if err.Error() != tt.detail {
				t.Errorf("detail = %q, want %q", err.Error(), tt.detail)
			}
			if f.loads.Load() != 0 {
				t.Error("validation failure must not load the model")
			}
		})
	}
}

func TestCaption_ContentTypeParameters(t *testing.T) {
	svc, _ := newTestService(t, 10)
	_, err := svc.Caption(context.Background(), Upload{
		Data:        pngBytes(t, 1, 1, color.White),
		ContentType: "IMAGE/PNG; charset=binary",
	})
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
}

func TestCaption_CorruptImage(t *testing.T) {
	svc, f := newTestService(t, 10)
	_, err := svc.Caption(context.Background(), Upload{Data: []byte("not a png"), ContentType: "image/png"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	if f.backbone.Calls() != 0 {
		t.Error("backbone must not run on undecodable bytes")
	}
}

func TestCaption_MissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir).Model
	svc := New(cfg)
	_, err := svc.Caption(context.Background(), Upload{
		Data:        pngBytes(t, 1, 1, color.White),
		ContentType: "image/png",
	})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
	if svc.Loaded() {
		t.Error("service should not report loaded")
	}
}

func TestLoad_FailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "tokenizer.json")
	v, _ := vocab.New(map[string]int{"start": 1, "end": 2, "cat": 3})
	var calls int
	svc := New(config.ModelConfig{FeatureSize: featureSize, ImageSize: 4}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		calls++
		if err := checkArtifact(vocabPath); err != nil {
			return nil, err
		}
		return &Pipeline{
			Vocab:    v,
			Backbone: inference.NewMockBackbone(featureSize),
			Model:    inference.NewScriptedModel(v.OutputSize(), 3, 2),
		}, nil
	}))

	if err := svc.Load(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("first Load error = %v, want ErrModelUnavailable", err)
	}
	if err := os.WriteFile(vocabPath, []byte(`{"start":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("third Load: %v", err)
	}
	if calls != 2 {
		t.Errorf("loader calls = %d, want 2", calls)
	}
	if !svc.Loaded() {
		t.Error("expected loaded")
	}
}

func TestLoad_OtherErrorsAreInternal(t *testing.T) {
	svc := New(config.ModelConfig{}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		return nil, errors.New("bad weights")
	}))
	err := svc.Load(context.Background())
	if err == nil || errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want unclassified error", err)
	}
}

func TestLoad_FeatureSizeMismatch(t *testing.T) {
	v, _ := vocab.New(map[string]int{"start": 1, "end": 2})
	svc := New(config.ModelConfig{FeatureSize: 2048}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		return &Pipeline{Vocab: v, Backbone: inference.NewMockBackbone(16), Model: inference.NewScriptedModel(3, 2)}, nil
	}))
	if err := svc.Load(context.Background()); !errors.Is(err, inference.ErrUnexpectedOutput) {
		t.Fatalf("error = %v, want ErrUnexpectedOutput", err)
	}
}

func TestCaption_ConcurrentFirstCallsLoadOnce(t *testing.T) {
	svc, f := newTestService(t, 0)
	data := pngBytes(t, 3, 3, color.RGBA{R: 200, A: 255})

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Caption(context.Background(), Upload{Data: data, ContentType: "image/png"})
			if err != nil {
				errs <- err
				return
			}
			if res.Caption != "a dog on grass" {
				errs <- errors.New("unexpected caption " + res.Caption)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := f.loads.Load(); n != 1 {
		t.Errorf("loads = %d, want 1", n)
	}
	if st := svc.Stats(); st.Loads != 1 || st.Requests != 32 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCaption_CacheHit(t *testing.T) {
	svc, f := newTestService(t, 10)
	up := Upload{Data: pngBytes(t, 2, 2, color.White), ContentType: "image/png"}
	first, err := svc.Caption(context.Background(), up)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Caption(context.Background(), up)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v, %v", first.Cached, second.Cached)
	}
	if first.Caption != second.Caption || first.Digest != second.Digest {
		t.Errorf("cached result differs: %+v vs %+v", first, second)
	}
	if f.backbone.Calls() != 1 {
		t.Errorf("backbone calls = %d, want 1", f.backbone.Calls())
	}
	if st := svc.Stats(); st.CacheHits != 1 || st.CacheEntries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCaption_DeterministicWithoutCache(t *testing.T) {
	svc, f := newTestService(t, 0)
	up := Upload{Data: pngBytes(t, 4, 4, color.RGBA{G: 90, B: 30, A: 255}), ContentType: "image/png"}
	first, err := svc.Caption(context.Background(), up)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Caption(context.Background(), up)
	if err != nil {
		t.Fatal(err)
	}
	if first.Caption != second.Caption {
		t.Errorf("captions differ: %q vs %q", first.Caption, second.Caption)
	}
	for i := range first.Features {
		if first.Features[i] != second.Features[i] {
			t.Fatalf("features differ at %d", i)
		}
	}
	if f.backbone.Calls() != 2 {
		t.Errorf("backbone calls = %d, want 2", f.backbone.Calls())
	}
}

func TestCaptionFile(t *testing.T) {
	svc, _ := newTestService(t, 10)
	path := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(path, pngBytes(t, 2, 2, color.White), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := svc.CaptionFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Caption != "a dog on grass" {
		t.Errorf("caption = %q", res.Caption)
	}

	txt := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(txt, []byte("hello"), 0o644)
	if _, err := svc.CaptionFile(context.Background(), txt); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestClose(t *testing.T) {
	svc, _ := newTestService(t, 10)
	if err := svc.Close(); err != nil {
		t.Fatalf("Close before load: %v", err)
	}
	if err := svc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if svc.Loaded() {
		t.Error("expected unloaded after Close")
	}
}

func TestLoad_ModelNarrowerThanVocabulary(t *testing.T) {
	v, _ := vocab.New(map[string]int{"start": 1, "end": 2, "a": 3, "dog": 4})
	model := inference.NewScriptedModel(3, 2)
	svc := New(config.ModelConfig{}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		return &Pipeline{Vocab: v, Backbone: inference.NewMockBackbone(16), Model: model}, nil
	}))
	if err := svc.Load(context.Background()); !errors.Is(err, inference.ErrUnexpectedOutput) {
		t.Fatalf("error = %v, want ErrUnexpectedOutput", err)
	}
	if svc.Loaded() {
		t.Error("mismatched pipeline must not be kept")
	}
}

func TestLoad_VocabularyWithoutMarkers(t *testing.T) {
	v, _ := vocab.New(map[string]int{"start": 1, "a": 2, "dog": 3})
	svc := New(config.ModelConfig{}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		return &Pipeline{Vocab: v, Backbone: inference.NewMockBackbone(16), Model: inference.NewScriptedModel(v.OutputSize(), 2)}, nil
	}))
	if err := svc.Load(context.Background()); !errors.Is(err, vocab.ErrInvalid) {
		t.Fatalf("error = %v, want vocab.ErrInvalid", err)
	}
}

// gatedBackbone blocks Extract until release is closed or ctx ends.
type gatedBackbone struct {
	*inference.MockBackbone
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBackbone) Extract(ctx context.Context, pixels []float32) ([]float32, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.MockBackbone.Extract(ctx, pixels)
}

func TestCaption_CancelledCallerDoesNotFailOthers(t *testing.T) {
	v, _ := vocab.New(map[string]int{"start": 1, "end": 2, "a": 3, "dog": 4, "on": 5, "grass": 6})
	backbone := &gatedBackbone{
		MockBackbone: inference.NewMockBackbone(featureSize),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	svc := New(config.ModelConfig{FeatureSize: featureSize, ImageSize: 4, CacheSize: 10}, WithLoader(func(ctx context.Context) (*Pipeline, error) {
		return &Pipeline{Vocab: v, Backbone: backbone, Model: inference.NewScriptedModel(v.OutputSize(), 3, 4, 5, 6, 2)}, nil
	}))
	t.Cleanup(func() { svc.Close() })
	up := Upload{Data: pngBytes(t, 2, 2, color.White), ContentType: "image/png"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Caption(ctxA, up)
		errA <- err
	}()
	<-backbone.entered

	type outcome struct {
		res *Result
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := svc.Caption(context.Background(), up)
		doneB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(backbone.release)

	select {
	case got := <-doneB:
		if got.err != nil {
			t.Fatalf("live caller error = %v", got.err)
		}
		if got.res.Caption != "a dog on grass" {
			t.Errorf("caption = %q", got.res.Caption)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live caller did not finish")
	}
	if n := backbone.Calls(); n != 1 {
		t.Errorf("backbone calls = %d, want 1", n)
	}
}
