package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces bursts of file events into one change.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to the files a project configuration was built from.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	logger   zerolog.Logger
	timer    *time.Timer
	closed   bool
	done     chan struct{}
}

// NewWatcher creates a watcher for the configuration sources of cfg: the
// project file, the .env file, the env config script and any config/
// directory under the project root.
func NewWatcher(cfg *ProjectConfig, logger zerolog.Logger) *Watcher {
	w := &Watcher{
		files:    make(map[string]struct{}),
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		done:     make(chan struct{}),
	}

	if cfg.Source != "" {
		w.files[filepath.Clean(cfg.Source)] = struct{}{}
	} else {
		for _, name := range CandidateFiles {
			w.files[filepath.Join(cfg.Root, name)] = struct{}{}
		}
	}
	w.files[filepath.Join(cfg.Root, DotEnvFile)] = struct{}{}
	if cfg.Plugins.EnvConfig != "" {
		w.files[filepath.Clean(cfg.Plugins.EnvConfig)] = struct{}{}
	}

	configDir := filepath.Join(cfg.Root, "config")
	if info, err := os.Stat(configDir); err == nil && info.IsDir() {
		w.dirs = append(w.dirs, configDir)
	}
	return w
}

// SetDebounce overrides the debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch starts watching and calls onChange once per debounced burst of
// changes. It returns once the watches are installed.
func (w *Watcher) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	// Parent directories are watched so that editors replacing files by
	// rename are observed.
	parents := make(map[string]struct{})
	for file := range w.files {
		parents[filepath.Dir(file)] = struct{}{}
	}
	for dir := range parents {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
		}
	}
	for _, dir := range w.dirs {
		if err := w.watchDirectory(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
		}
	}

	go w.processEvents(ctx, onChange)

	w.logger.Debug().
		Int("files", len(w.files)).
		Int("dirs", len(w.dirs)).
		Msg("Watching configuration sources")

	return nil
}

func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if _, ok := w.files[name]; ok {
		return true
	}
	for _, dir := range w.dirs {
		if name == dir || strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context, onChange func()) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration source changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() {
				w.mu.Lock()
				closed := w.closed
				w.mu.Unlock()
				if closed || ctx.Err() != nil {
					return
				}
				onChange()
			})
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stopTimer()
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
