package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hyperjump/setsumei/internal/fileid"
	"github.com/hyperjump/setsumei/internal/keyword"
	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/internal/storage"
	"github.com/hyperjump/setsumei/internal/vector"
)

// stubCaptioner captions a payload with captions[string(data)] and derives a feature vector
// from the first bytes.
type stubCaptioner struct {
	captions map[string]string
	calls    atomic.Int64
	err      error
}

func (s *stubCaptioner) Caption(ctx context.Context, up service.Upload) (*service.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	features := make([]float32, 4)
	for i := 0; i < len(up.Data) && i < 4; i++ {
		features[i] = float32(up.Data[i])
	}
	c, ok := s.captions[string(up.Data)]
	if !ok {
		c = "a photo"
	}
	return &service.Result{
		Caption:     c,
		Digest:      fileid.Digest(up.Data),
		SniffedType: up.ContentType,
		Model:       "model_9",
		Width:       1,
		Height:      1,
		Duration:    3 * time.Millisecond,
		Features:    features,
	}, nil
}

func newTestRecorder(t *testing.T, stub *stubCaptioner) (*Recorder, storage.Storage, *vector.MemoryIndex) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "captions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	vec, err := vector.NewMemoryIndex(4)
	if err != nil {
		t.Fatal(err)
	}
	var c Captioner
	if stub != nil {
		c = stub
	}
	return NewRecorder(store, kw, vec, c), store, vec
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".jpg", []string{".jpg", ".png"}, true},
		{".JPG", []string{".jpg"}, true},
		{".png", []string{"png"}, true},
		{".txt", []string{".jpg"}, false},
		{"", []string{".jpg"}, false},
		{".gif", nil, false},
	}
	for _, tt := range tests {
		if got := ExtensionAllowed(tt.ext, tt.allowed); got != tt.want {
			t.Errorf("ExtensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}

func TestRecordResult(t *testing.T) {
	stub := &stubCaptioner{captions: map[string]string{"dog": "a dog runs on the grass"}}
	r, store, vec := newTestRecorder(t, stub)
	ctx := context.Background()

	up := service.Upload{Data: []byte("dog"), ContentType: "image/png", Filename: "/tmp/uploads/dog.png"}
	res, err := stub.Caption(ctx, up)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := r.RecordResult(ctx, up, res, models.SourceUpload, map[string]interface{}{"request_id": "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Filename != "dog.png" || rec.DurationMS != 3 {
		t.Errorf("record = %+v", rec)
	}

	got, err := store.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Caption != "a dog runs on the grass" || got.Metadata["request_id"] != "req-1" {
		t.Errorf("stored = %+v", got)
	}
	if _, ok := vec.Get(rec.ID); !ok {
		t.Error("features should be indexed")
	}
	byDigest, err := r.GetByDigest(ctx, fileid.Digest([]byte("dog")))
	if err != nil {
		t.Fatal(err)
	}
	if byDigest.ID != rec.ID {
		t.Errorf("GetByDigest id = %q, want %q", byDigest.ID, rec.ID)
	}
	if _, err := r.GetByDigest(ctx, fileid.Digest([]byte("cat"))); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByDigest unknown error = %v, want ErrNotFound", err)
	}

	resp, err := r.Search(ctx, &models.HistoryQuery{Query: "grass"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Hits) != 1 || resp.Hits[0].Record.ID != rec.ID || resp.Hits[0].Rank != 1 {
		t.Errorf("search = %+v", resp)
	}
}

func TestCaptionFile_CreateSkipUpdate(t *testing.T) {
	stub := &stubCaptioner{captions: map[string]string{"v1": "a red car", "v2-longer": "a blue car"}}
	r, store, _ := newTestRecorder(t, stub)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "car.jpg")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := r.CaptionFile(ctx, path, []string{".jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != fileid.PathID(path) || rec.Path != path || rec.Source != models.SourceWatch {
		t.Errorf("record = %+v", rec)
	}
	if rec.ContentType != "image/jpeg" {
		t.Errorf("content type = %q", rec.ContentType)
	}

	// Unchanged: no second caption.
	if _, err := r.CaptionFile(ctx, path, []string{".jpg"}); err != nil {
		t.Fatal(err)
	}
	if n := stub.calls.Load(); n != 1 {
		t.Errorf("captioner calls = %d, want 1", n)
	}

	if err := os.WriteFile(path, []byte("v2-longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CaptionFile(ctx, path, []string{".jpg"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRecord(ctx, fileid.PathID(path))
	if err != nil {
		t.Fatal(err)
	}
	if got.Caption != "a blue car" {
		t.Errorf("caption after update = %q", got.Caption)
	}
	if n, _ := r.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestCaptionFile_Rejects(t *testing.T) {
	r, _, _ := newTestRecorder(t, &stubCaptioner{})
	ctx := context.Background()
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("x"), 0o644)

	if _, err := r.CaptionFile(ctx, txt, []string{".jpg"}); err == nil {
		t.Error("expected error for disallowed extension")
	}
	if _, err := r.CaptionFile(ctx, filepath.Join(dir, "missing.jpg"), nil); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := r.CaptionFile(ctx, dir, nil); err == nil {
		t.Error("expected error for directory")
	}

	noCap, _, _ := newTestRecorder(t, nil)
	if _, err := noCap.CaptionFile(ctx, txt, nil); err == nil {
		t.Error("expected error without captioner")
	}
}

func TestCaptionFile_CaptionError(t *testing.T) {
	r, _, _ := newTestRecorder(t, &stubCaptioner{err: service.ErrInvalidInput})
	path := filepath.Join(t.TempDir(), "broken.png")
	os.WriteFile(path, []byte("junk"), 0o644)
	if _, err := r.CaptionFile(context.Background(), path, nil); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestCaptionDirectory(t *testing.T) {
	stub := &stubCaptioner{}
	r, _, _ := newTestRecorder(t, stub)
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.PNG", "notes.txt", "sub/c.gif"} {
		p := filepath.Join(dir, name)
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.CaptionDirectory(context.Background(), dir, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("non-recursive captioned %d, want 2", n)
	}
	n, err = r.CaptionDirectory(context.Background(), dir, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("recursive captioned %d, want 3", n)
	}
	if _, err := r.CaptionDirectory(context.Background(), filepath.Join(dir, "a.jpg"), nil, true); err == nil {
		t.Error("expected error for file")
	}
}

func TestDeleteAndDeletePath(t *testing.T) {
	r, store, vec := newTestRecorder(t, &stubCaptioner{})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.png")
	os.WriteFile(path, []byte("xyz"), 0o644)
	rec, err := r.CaptionFile(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.DeletePath(ctx, path); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRecord(ctx, rec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record should be deleted, got %v", err)
	}
	if _, ok := vec.Get(rec.ID); ok {
		t.Error("features should be removed")
	}
	resp, _ := r.Search(ctx, &models.HistoryQuery{Query: "photo"})
	if len(resp.Hits) != 0 {
		t.Errorf("caption still searchable: %+v", resp.Hits)
	}

	if err := r.DeletePath(ctx, path); err != nil {
		t.Errorf("deleting an unrecorded path: %v", err)
	}
	if err := r.Delete(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestSimilar(t *testing.T) {
	r, _, _ := newTestRecorder(t, &stubCaptioner{})
	ctx := context.Background()
	dir := t.TempDir()
	// Feature vectors come from the first four bytes.
	files := map[string][]byte{
		"ref.png":   {200, 0, 0, 0},
		"near.png":  {190, 20, 0, 0},
		"far.png":   {0, 0, 0, 200},
		"other.png": {100, 200, 0, 0},
	}
	ids := map[string]string{}
	for name, data := range files {
		p := filepath.Join(dir, name)
		os.WriteFile(p, data, 0o644)
		rec, err := r.CaptionFile(ctx, p, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids[name] = rec.ID
	}

	hits, err := r.Similar(ctx, ids["ref.png"], 2)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, h := range hits {
		got = append(got, h.Record.Filename)
	}
	if diff := cmp.Diff([]string{"near.png", "other.png"}, got); diff != "" {
		t.Errorf("similar mismatch (-want +got):\n%s", diff)
	}
	if r.VectorCount() != 4 {
		t.Errorf("VectorCount = %d", r.VectorCount())
	}

	if _, err := r.Similar(ctx, "missing", 3); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Similar(missing) = %v, want ErrNotFound", err)
	}
}

func TestSearch_SuggestionAndValidation(t *testing.T) {
	stub := &stubCaptioner{captions: map[string]string{"b": "a bicycle leans on a wall"}}
	r, _, _ := newTestRecorder(t, stub)
	ctx := context.Background()
	up := service.Upload{Data: []byte("b"), ContentType: "image/png", Filename: "bike.png"}
	res, _ := stub.Caption(ctx, up)
	if _, err := r.RecordResult(ctx, up, res, models.SourceUpload, nil); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Search(ctx, &models.HistoryQuery{Query: "bicycel"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 0 || resp.Suggestion != "bicycle" {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := r.Search(ctx, &models.HistoryQuery{Query: " "}); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestList(t *testing.T) {
	r, _, _ := newTestRecorder(t, &stubCaptioner{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := &models.CaptionRecord{Digest: "img:x", Source: models.SourceCLI, Caption: "a cat", Model: "model_9"}
		if err := r.Record(ctx, rec, nil); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := r.List(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("List = %d records, want 3", len(recs))
	}
	if r.VectorCount() != 0 {
		t.Error("records without features should not be vector indexed")
	}
}
