package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a registry file whenever it changes on disk. Invalid
// documents are logged and skipped; the last good registry stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Registry)
	logger   zerolog.Logger
}

// NewWatcher watches the directory containing path so that editors which
// replace the file by rename are still observed.
func NewWatcher(path string, onReload func(*Registry), logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onReload: onReload,
		logger:   logger.With().Str("component", "registry").Logger(),
	}, nil
}

// Run delivers reloads until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("fsnotify_event")
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

func (w *Watcher) reload() {
	reg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("registry_reload_rejected")
		return
	}
	w.logger.Info().Int("tasks", len(reg.Tasks)).Int("subscriptions", len(reg.Subscriptions)).Msg("registry_reloaded")
	w.onReload(reg)
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
