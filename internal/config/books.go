package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cachedBook struct {
	cfg      BookConfig
	loadedAt time.Time
}

// BookConfigs provides cached access to merged book configs. Entries expire
// after a TTL and are dropped early when Watch sees the file change.
type BookConfigs struct {
	dataDir string
	clock   Clock
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]cachedBook
}

// NewBookConfigs creates a cache with a 60-second TTL.
func NewBookConfigs(dataDir string) *BookConfigs {
	return NewBookConfigsWithClock(dataDir, realClock{}, 60*time.Second)
}

// NewBookConfigsWithClock creates a cache with a custom clock (for testing).
func NewBookConfigsWithClock(dataDir string, clock Clock, ttl time.Duration) *BookConfigs {
	return &BookConfigs{
		dataDir: dataDir,
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]cachedBook),
	}
}

// Get returns the merged config for label.
func (b *BookConfigs) Get(label string) (BookConfig, error) {
	b.mu.RLock()
	if e, ok := b.entries[label]; ok && b.clock.Now().Before(e.loadedAt.Add(b.ttl)) {
		b.mu.RUnlock()
		return e.cfg, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[label]; ok && b.clock.Now().Before(e.loadedAt.Add(b.ttl)) {
		return e.cfg, nil
	}

	cfg, err := LoadBook(b.dataDir, label)
	if err != nil {
		return BookConfig{}, fmt.Errorf("book %s: %w", label, err)
	}
	b.entries[label] = cachedBook{cfg: cfg, loadedAt: b.clock.Now()}
	return cfg, nil
}

// Invalidate drops the cached config for label.
func (b *BookConfigs) Invalidate(label string) {
	b.mu.Lock()
	delete(b.entries, label)
	b.mu.Unlock()
}

// Watch invalidates cached configs when a book's config.yaml changes. It
// returns once the watcher is installed and stops when ctx ends.
func (b *BookConfigs) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(b.dataDir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", b.dataDir, err)
	}
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		w.Close()
		return fmt.Errorf("listing data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != "cache" {
			if err := w.Add(filepath.Join(b.dataDir, e.Name())); err != nil {
				logger.Warn("could not watch book dir", "label", e.Name(), "error", err)
			}
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				b.handleEvent(w, ev, logger)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("book config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (b *BookConfigs) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, logger *slog.Logger) {
	dir := filepath.Dir(ev.Name)

	// A new book directory appeared: watch it and drop any stale entry.
	if filepath.Clean(dir) == filepath.Clean(b.dataDir) {
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.Add(ev.Name); err != nil {
					logger.Warn("could not watch book dir", "label", filepath.Base(ev.Name), "error", err)
				}
				b.Invalidate(filepath.Base(ev.Name))
			}
		}
		return
	}

	if filepath.Base(ev.Name) != BookConfigFile {
		return
	}
	label := filepath.Base(dir)
	b.Invalidate(label)
	logger.Debug("book config changed", "label", label, "op", ev.Op.String())
}
