package tenant

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watcher watches a tenant configuration file and reloads the registry when
// it changes. A failed reload is logged and reported through the error
// callback; the previous configuration stays live.
type Watcher struct {
	path     string
	registry *Registry
	fs       *fsnotify.Watcher
	debounce time.Duration
	onError  func(error)
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the delay that coalesces bursts of file events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithErrorCallback registers a callback invoked when a reload fails.
func WithErrorCallback(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for the given tenants file.
func NewWatcher(path string, registry *Registry, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		registry: registry,
		fs:       fs,
		debounce: 100 * time.Millisecond,
		logger:   log.With().Str("component", "tenant-watcher").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start performs the initial load and begins watching for changes. Editors
// often replace files on save, so the parent directory is watched rather
// than the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.registry.Reload(ctx, NewFileSource(w.path)); err != nil {
		return err
	}

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.loop(ctx)

	w.logger.Info().Str("path", w.path).Msg("Watching tenant configuration")
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if err := w.registry.Reload(ctx, NewFileSource(w.path)); err != nil {
		w.logger.Error().Err(err).Msg("Tenant reload failed, keeping previous configuration")
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.logger.Info().Msg("Tenant configuration reloaded from file change")
}
