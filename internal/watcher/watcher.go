// Package watcher captions images dropped into watched directories. File events are
// debounced per path and handed to a single worker, so at most one image is captioned at a time.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce  = 400 * time.Millisecond
	defaultQueueSize = 256
)

// Handler reacts to settled file changes.
type Handler interface {
	// FileChanged is called once a created or written image has been quiet for the debounce period.
	FileChanged(ctx context.Context, path string) error
	// FileRemoved is called when an image is deleted or moved away.
	FileRemoved(ctx context.Context, path string) error
}

// HandlerFuncs adapts two functions to Handler. Nil functions are skipped.
type HandlerFuncs struct {
	Changed func(ctx context.Context, path string) error
	Removed func(ctx context.Context, path string) error
}

func (h HandlerFuncs) FileChanged(ctx context.Context, path string) error {
	if h.Changed == nil {
		return nil
	}
	return h.Changed(ctx, path)
}

func (h HandlerFuncs) FileRemoved(ctx context.Context, path string) error {
	if h.Removed == nil {
		return nil
	}
	return h.Removed(ctx, path)
}

// Stats counts processed events.
type Stats struct {
	Directories int   `json:"directories"`
	Pending     int   `json:"pending"`
	Captioned   int64 `json:"captioned"`
	Removed     int64 `json:"removed"`
	Failed      int64 `json:"failed"`
}

type job struct {
	path   string
	remove bool
}

// Watcher watches directory trees for image files.
type Watcher struct {
	extensions []string
	recursive  bool
	debounce   time.Duration
	handler    Handler
	logger     *zap.Logger

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	roots     map[string][]string // root -> directories added to fsnotify
	order     []string
	timers    map[string]*time.Timer
	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
	captioned atomic.Int64
	removed   atomic.Int64
	failed    atomic.Int64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must be quiet before it is captioned.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher. extensions filter which files are handled (empty = all).
func New(extensions []string, recursive bool, handler Handler, opts ...Option) *Watcher {
	w := &Watcher{
		extensions: extensions,
		recursive:  recursive,
		debounce:   defaultDebounce,
		handler:    handler,
		logger:     zap.NewNop(),
		roots:      make(map[string][]string),
		timers:     make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching roots. It returns once the directories are registered; events are
// processed in the background until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context, roots ...string) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.jobs = make(chan job, defaultQueueSize)
	w.done = make(chan struct{})
	w.started = true
	for _, root := range roots {
		if _, err := w.addRootLocked(root); err != nil {
			w.mu.Unlock()
			w.Stop()
			return err
		}
	}
	w.mu.Unlock()

	w.logger.Debug("watcher started",
		zap.Strings("roots", w.Directories()),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))

	w.wg.Add(2)
	go w.readEvents(ctx, fsw)
	go w.work(ctx)
	return nil
}

func (w *Watcher) readEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			go w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) work(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case j := <-w.jobs:
			w.process(ctx, j)
		}
	}
}

func (w *Watcher) process(ctx context.Context, j job) {
	var err error
	if j.remove {
		err = w.handler.FileRemoved(ctx, j.path)
		if err == nil {
			w.removed.Add(1)
		}
	} else {
		err = w.handler.FileChanged(ctx, j.path)
		if err == nil {
			w.captioned.Add(1)
		}
	}
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("watcher handler failed", zap.String("path", j.path), zap.Bool("remove", j.remove), zap.Error(err))
	}
}

func (w *Watcher) enqueue(j job) {
	w.mu.Lock()
	jobs, done := w.jobs, w.done
	w.mu.Unlock()
	if jobs == nil {
		return
	}
	select {
	case jobs <- j:
	case <-done:
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.handleNewDirectory(path)
			}
			return
		}
		if matchExtension(path, w.extensions) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(path)
		if matchExtension(path, w.extensions) {
			go w.enqueue(job{path: path, remove: true})
		}
	}
}

// handleNewDirectory starts watching a directory created under a recursive root and
// captions the images already inside it.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	if !w.recursive || w.fsw == nil {
		w.mu.Unlock()
		return
	}
	root := w.rootOfLocked(dir)
	added, err := w.addTreeLocked(dir)
	if err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dir), zap.Error(err))
	}
	w.roots[root] = append(w.roots[root], added...)
	w.mu.Unlock()
	go w.syncDirectory(dir)
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.enqueue(job{path: path})
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rootOfLocked(path) != ""
}

func (w *Watcher) rootOfLocked(path string) string {
	for _, root := range w.order {
		if root == path || inDir(root, path) {
			return root
		}
	}
	return ""
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// AddDirectory starts watching root, creating it if needed, and optionally captions the
// images already in it. Adding a root twice is a no-op.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return errors.New("watcher not started")
	}
	abs, err := w.addRootLocked(root)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if _, ok := w.roots[abs]; ok {
		return abs, nil
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", err
	}
	var added []string
	if w.recursive {
		added, err = w.addTreeLocked(abs)
	} else {
		err = w.fsw.Add(abs)
		added = []string{abs}
	}
	if err != nil {
		for _, p := range added {
			_ = w.fsw.Remove(p)
		}
		return "", err
	}
	w.roots[abs] = added
	w.order = append(w.order, abs)
	return abs, nil
}

func (w *Watcher) addTreeLocked(dir string) ([]string, error) {
	var added []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		added = append(added, path)
		return nil
	})
	return added, err
}

func (w *Watcher) syncDirectory(dir string) {
	w.logger.Debug("watcher syncing directory", zap.String("path", dir))
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !w.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, w.extensions) {
			w.enqueue(job{path: path})
		}
		return nil
	})
}

// SyncExisting queues every matching image already present in the watched roots.
func (w *Watcher) SyncExisting() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

// RemoveDirectory stops watching root. Records of its images are kept.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	paths, ok := w.roots[abs]
	if !ok {
		return nil
	}
	if w.fsw != nil {
		for _, p := range paths {
			_ = w.fsw.Remove(p)
		}
	}
	for path, t := range w.timers {
		if path == abs || inDir(abs, path) {
			t.Stop()
			delete(w.timers, path)
		}
	}
	delete(w.roots, abs)
	for i, r := range w.order {
		if r == abs {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.logger.Debug("watcher directory removed", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots in the order they were added.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

// Stats returns event counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	s := Stats{Directories: len(w.order), Pending: len(w.timers)}
	if w.jobs != nil {
		s.Pending += len(w.jobs)
	}
	w.mu.Unlock()
	s.Captioned = w.captioned.Load()
	s.Removed = w.removed.Load()
	s.Failed = w.failed.Load()
	return s
}

// Stop stops watching and waits for the in-flight job to finish. Queued jobs are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	close(w.done)
	_ = w.fsw.Close()
	w.fsw = nil
	w.mu.Unlock()
	w.wg.Wait()
}
