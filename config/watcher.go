package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more writes before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when one of its files changes.
// Editors replace files by rename, so the parent directories are watched
// and events are filtered by file name.
type Watcher struct {
	loader   *Loader
	paths    []string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	hashes  map[string]string
}

// NewWatcher creates a watcher for paths. onChange receives every reload
// that loads and validates; invalid files are logged and skipped.
func NewWatcher(loader *Loader, paths []string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		abs = append(abs, a)
	}

	w := &Watcher{
		loader:   loader,
		paths:    abs,
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
		hashes:   make(map[string]string),
	}
	for _, p := range abs {
		w.hashes[p] = fileHash(p)
	}
	return w, nil
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Start adds the watches and processes events until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := make(map[string]bool)
	for _, p := range w.paths {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", "files", w.paths, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.watched(event.Name) && !event.Has(fsnotify.Chmod) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) watched(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	for _, p := range w.paths {
		if p == abs {
			return true
		}
	}
	return false
}

// flush reloads when a change is pending and file contents actually differ.
func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false

	changed := false
	for _, p := range w.paths {
		h := fileHash(p)
		if h != w.hashes[p] {
			w.hashes[p] = h
			changed = true
		}
	}
	w.mu.Unlock()

	if !changed {
		return
	}

	cfg, err := w.loader.Load(w.paths...)
	if err != nil {
		w.logger.Warn("Config reload rejected", "error", err)
		return
	}
	w.logger.Info("Config reloaded", "modes", len(cfg.Modes))
	w.onChange(cfg)
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
