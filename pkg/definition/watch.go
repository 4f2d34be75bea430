package definition

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a definition file whenever it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the delay between the last change and the reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger of the watcher.
func WithWatchLogger(logger zerolog.Logger) WatchOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher for the definition at path.
func NewWatcher(path string, opts ...WatchOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "definition-watcher").Str("path", w.path).Logger()
	return w
}

// Watch blocks until ctx is done, calling reload with every new valid
// version of the file. An invalid version is logged and skipped. reload
// calls never overlap.
func (w *Watcher) Watch(ctx context.Context, reload func(*Document) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info().Msg("Watching definition")

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Definition changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			trigger = timer.C

		case <-trigger:
			trigger = nil
			doc, err := Load(w.path)
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload definition")
				continue
			}
			if err := reload(doc); err != nil {
				w.logger.Error().Err(err).Msg("Failed to apply definition")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
