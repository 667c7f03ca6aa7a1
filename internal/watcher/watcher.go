// Package watcher triggers incremental reindexing when files under the
// repository change. Events are debounced so bursts of writes (saves,
// branch switches) collapse into one index run.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period required before reindexing.
const DefaultDebounce = 500 * time.Millisecond

// skipDirs are not watched.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// Config configures a watcher.
type Config struct {
	// Root is the repository root to watch (recursively).
	Root string
	// Debounce is the quiet period before OnChange fires.
	Debounce time.Duration
	// StoreDir is excluded from watching.
	StoreDir string
	// OnChange runs after the debounce window closes. Errors are logged,
	// not fatal: the watcher keeps running.
	OnChange func(ctx context.Context) error
}

// Watcher observes a directory tree and fires a debounced callback.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
}

// New creates a watcher over the repository tree.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{cfg: cfg, watcher: fsw}
	if err := w.addRecursive(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive registers the root and all non-excluded subdirectories.
func (w *Watcher) addRecursive(root string) error {
	storeAbs := ""
	if w.cfg.StoreDir != "" {
		storeAbs, _ = filepath.Abs(w.cfg.StoreDir)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if storeAbs != "" {
			if abs, err := filepath.Abs(path); err == nil && abs == storeAbs {
				return filepath.SkipDir
			}
		}
		return w.watcher.Add(path)
	})
}

// Run blocks, draining events and firing the debounced callback, until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// New directories must be added to the watch set.
			if event.Op.Has(fsnotify.Create) {
				if err := w.addRecursive(event.Name); err != nil {
					slog.Debug("watch_add_failed",
						slog.String("path", event.Name),
						slog.String("error", err.Error()))
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.cfg.Debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))

		case <-timerC:
			timer = nil
			timerC = nil
			if w.cfg.OnChange != nil {
				if err := w.cfg.OnChange(ctx); err != nil {
					slog.Warn("watch_reindex_failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
