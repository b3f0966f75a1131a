package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/duratool/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// settingsWatcher reloads the settings file when it changes and applies the
// fields that can change without a restart.
type settingsWatcher struct {
	path     string
	getenv   func(string) string
	current  Config
	levelVar *slog.LevelVar
	logger   *slog.Logger
}

// Run blocks until ctx is done. The parent directory is watched because
// editors often replace the file instead of writing it in place.
func (w *settingsWatcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); err != nil {
		w.logger.Debug("settings directory missing, hot reload disabled", slog.String("dir", dir))
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

// reload applies a changed settings file. An invalid file is reported and
// the running configuration is kept.
func (w *settingsWatcher) reload() configDiff {
	next, err := loadConfig(w.path, w.getenv)
	if err != nil {
		w.logger.Warn("settings reload rejected", slog.String("path", w.path), slog.String("error", err.Error()))
		return configDiff{}
	}

	diff := diffConfigs(w.current, next)
	if diff.LogLevelChanged {
		w.levelVar.Set(logging.ParseLevel(next.LogLevel))
		w.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if len(diff.RestartNeeded) > 0 {
		w.logger.Warn("settings changed that need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	w.current = next
	return diff
}
