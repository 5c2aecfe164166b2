package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader rebuilds the catalog and swaps it in. A failed reload leaves the
// current generation serving.
type Reloader struct {
	store  *Store
	loader *Loader
	logger *slog.Logger

	mu      sync.Mutex
	lastErr error
	hooks   []func(*Catalog)
}

// NewReloader creates a reloader for store using loader.
func NewReloader(store *Store, loader *Loader, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{store: store, loader: loader, logger: logger}
}

// OnSwap registers fn to run after each successful swap.
func (r *Reloader) OnSwap(fn func(*Catalog)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Reload loads the scenario files and swaps in the result.
func (r *Reloader) Reload() (*Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	cat, err := r.loader.Load()
	if err != nil {
		r.lastErr = err
		r.logger.Error("scenario reload rejected, keeping current generation",
			"generation", r.store.Current().Generation, "error", err)
		return nil, err
	}

	cat = r.store.Swap(cat)
	r.lastErr = nil
	r.logger.Info("scenarios loaded",
		"generation", cat.Generation,
		"scenarios", cat.Len(),
		"files", len(cat.Sources),
		"duration", time.Since(start))

	for _, fn := range r.hooks {
		fn(cat)
	}
	return cat, nil
}

// LastError returns the error of the most recent reload, or nil.
func (r *Reloader) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Watcher reloads the catalog when scenario files change.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a file watcher. Bursts of events within debounce are
// coalesced into one reload.
func NewWatcher(reloader *Reloader, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{reloader: reloader, debounce: debounce, logger: logger}
}

// Run watches the directories holding the scenario files until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	files, err := Expand(w.reloader.loader.Patterns())
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, f := range files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w.logger.Info("watching scenario files", "directories", len(dirs))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-fire:
			fire = nil
			w.logger.Info("scenario files changed, reloading")
			_, _ = w.reloader.Reload()
		}
	}
}

// relevant reports whether ev touches a file matched by the scenario patterns.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	files, err := Expand(w.reloader.loader.Patterns())
	if err != nil {
		return true
	}
	for _, f := range files {
		if filepath.Clean(f) == filepath.Clean(ev.Name) {
			return true
		}
	}
	// A removed or renamed file no longer matches; reload anyway.
	return ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}
