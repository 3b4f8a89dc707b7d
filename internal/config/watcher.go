package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/logging"
)

// Watcher reloads the config file on change and hands the parsed result
// to the callback. Editors often write via rename, so the parent
// directory is watched rather than the file itself.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine; callbacks must not block.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 300 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled. Reload failures keep the previous
// configuration and log a warning.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of write events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", zap.Error(err))
		case <-fire:
			cfg, err := Load(w.path)
			if err != nil {
				logging.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			logging.Info("config reloaded", zap.String("path", w.path))
			w.onChange(cfg)
		}
	}
}
