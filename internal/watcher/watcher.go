// Package watcher turns raw fsnotify events into debounced, kiln-relative
// FileEvents. Rapid event bursts for the same path coalesce within the
// debounce window; only Markdown files are processed, with other extensions
// surfaced as Ignored events for observers.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/paths"
)

// DefaultDebounce is the coalescing window for same-path events.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a kiln root recursively.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	events   chan domain.FileEvent
	stopChan chan struct{}
	stopOnce sync.Once
	window   time.Duration
	log      *logging.Logger

	mu         sync.Mutex
	debouncers map[string]func(func())
	pending    map[string]domain.FileEvent
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.window = d
		}
	}
}

// New creates a Watcher for the kiln root and starts watching recursively.
func New(root string, log *logging.Logger, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:       root,
		fsw:        fsw,
		events:     make(chan domain.FileEvent),
		stopChan:   make(chan struct{}),
		window:     DefaultDebounce,
		log:        log,
		debouncers: make(map[string]func(func())),
		pending:    make(map[string]domain.FileEvent),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Events delivers debounced file events. Sends block when the consumer falls
// behind, pushing backpressure onto the debounce timers rather than dropping.
func (w *Watcher) Events() <-chan domain.FileEvent {
	return w.events
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	return w.fsw.Close()
}

// addRecursive watches a directory and all subdirectories, skipping the
// private state dir and hidden folders.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if rel != "." && (paths.IsPrivate(rel) || strings.HasPrefix(filepath.Base(path), ".")) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// run converts fsnotify events until closed.
func (w *Watcher) run() {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("filesystem watcher error: %v", err)
		}
	}
}

// handle maps one fsnotify event into the debounced stream.
func (w *Watcher) handle(event fsnotify.Event) {
	var kind domain.FileEventKind
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		kind = domain.FileCreated
		// A freshly created directory needs its own watch.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.log.Warnf("failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		kind = domain.FileModified
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		kind = domain.FileDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		kind = domain.FileRenamed
	default:
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if paths.IsPrivate(rel) {
		return
	}

	fe := domain.FileEvent{
		Path:      rel,
		Kind:      kind,
		Timestamp: time.Now(),
	}
	if kind == domain.FileRenamed {
		fe.OldPath = rel
	}
	if !isMarkdown(rel) {
		fe.Kind = domain.FileIgnored
		w.emit(fe)
		return
	}

	w.debounced(fe)
}

// debounced coalesces rapid events per path, keeping the newest.
func (w *Watcher) debounced(fe domain.FileEvent) {
	w.mu.Lock()
	d, ok := w.debouncers[fe.Path]
	if !ok {
		d = debounce.New(w.window)
		w.debouncers[fe.Path] = d
	}
	// The newest event wins, except that a create followed by writes within
	// the window still surfaces as a create.
	if prev, ok := w.pending[fe.Path]; ok {
		if prev.Kind == domain.FileCreated && fe.Kind == domain.FileModified {
			fe.Kind = domain.FileCreated
		}
	}
	w.pending[fe.Path] = fe
	w.mu.Unlock()

	path := fe.Path
	d(func() {
		w.mu.Lock()
		latest, ok := w.pending[path]
		delete(w.pending, path)
		w.mu.Unlock()
		if ok {
			w.emit(latest)
		}
	})
}

// emit delivers an event unless the watcher is stopped.
func (w *Watcher) emit(fe domain.FileEvent) {
	select {
	case w.events <- fe:
	case <-w.stopChan:
	}
}

// isMarkdown reports whether the path names a Markdown file.
func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
