package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the new
// config to onChange. Reloads that fail to parse are logged and skipped.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	lastHash string
}

// NewWatcher creates a watcher for path. current is the config already in use,
// so an unchanged file does not trigger onChange.
func NewWatcher(path string, current *Config, debounce time.Duration, onChange func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	w := &Watcher{path: path, debounce: debounce, onChange: onChange}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w
}

// Start begins watching. The parent directory is watched so that editors that
// replace the file via rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)

	slog.Info("config: watching for changes", "path", w.path)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config: reload failed, keeping current config", "path", w.path, "error", err)
		return
	}

	hash := cfg.Hash()
	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "hash", hash)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
