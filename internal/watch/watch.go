// Package watch re-triggers work when input images or experiment files
// change.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"salharness/internal/fsutil"
)

// DefaultDelay is how long the watcher waits for changes to settle.
const DefaultDelay = 2 * time.Second

// Event represents a relevant file system change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Options configures a Watcher.
type Options struct {
	// Dirs are watched recursively.
	Dirs []string
	// Files are watched individually, e.g. the experiment file.
	Files []string
	// Ignore lists directories whose events are dropped, typically output
	// trees nested in an input directory.
	Ignore []string
	Delay  time.Duration
	Logger *slog.Logger
}

// Watcher batches file system events and calls a trigger once they settle.
type Watcher struct {
	watcher  *fsnotify.Watcher
	opts     Options
	files    map[string]bool
	trigger  func([]Event)
	debounce func(func())
	mu       sync.Mutex
	pending  []Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher calling trigger with the events collected since the
// previous call.
func New(opts Options, trigger func([]Event)) (*Watcher, error) {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  watcher,
		opts:     opts,
		files:    make(map[string]bool),
		trigger:  trigger,
		debounce: debounce.New(opts.Delay),
		done:     make(chan struct{}),
	}
	for _, f := range opts.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		w.files[abs] = true
	}
	return w, nil
}

// Start begins monitoring the configured paths.
func (w *Watcher) Start() error {
	for _, dir := range w.opts.Dirs {
		if err := w.addTree(dir); err != nil {
			return err
		}
	}
	// Editors replace files on save, so the parent directory is watched.
	for f := range w.files {
		if err := w.watcher.Add(filepath.Dir(f)); err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher. A pending trigger may still fire.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		w.opts.Logger.Debug("watching directory", "path", path)
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, dir := range w.opts.Ignore {
		rel, err := filepath.Rel(dir, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var operation string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		operation = "created"
	case event.Op&fsnotify.Write == fsnotify.Write:
		operation = "modified"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		operation = "deleted"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		operation = "renamed"
	default:
		return // Skip permission changes
	}
	if w.ignored(event.Name) {
		return
	}

	if operation == "created" {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.opts.Logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	abs, _ := filepath.Abs(event.Name)
	if !w.files[abs] && (!fsutil.IsImageFile(event.Name) || w.inFileDirOnly(abs)) {
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, Event{Path: event.Name, Operation: operation, Time: time.Now()})
	w.mu.Unlock()
	w.debounce(w.fire)
}

// inFileDirOnly reports whether path sits in a directory that is watched
// only for an individual file.
func (w *Watcher) inFileDirOnly(path string) bool {
	dir := filepath.Dir(path)
	for _, d := range w.opts.Dirs {
		if abs, err := filepath.Abs(d); err == nil {
			if rel, err := filepath.Rel(abs, dir); err == nil && !strings.HasPrefix(rel, "..") {
				return false
			}
		}
	}
	return true
}

func (w *Watcher) fire() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(events) == 0 {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}
	w.opts.Logger.Info("changes detected", "events", len(events))
	w.trigger(events)
}
