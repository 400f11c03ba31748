package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts watching the external pattern file for changes and reloads
// the config snapshot when it is rewritten. Returns immediately when no
// pattern file is configured. Safe to call once; later calls are no-ops.
func (m *Manager) Watch(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := m.Get()
	if cfg.Patterns.File == "" {
		return
	}

	m.watchOnce.Do(func() {
		go m.watchLoop(cfg.Patterns.File, logger)
	})
}

// StopWatch stops the file watcher.
func (m *Manager) StopWatch() {
	select {
	case <-m.stopWatch:
	default:
		close(m.stopWatch)
	}
}

func (m *Manager) watchLoop(path string, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("pattern file watch unavailable", "cause", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write in
	// place, which drops the watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("pattern file watch unavailable", "path", path, "cause", err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-m.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				if err := m.Load(); err != nil {
					logger.Warn("pattern reload failed", "path", path, "cause", err)
					return
				}
				logger.Info("pattern tables reloaded", "path", path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("pattern file watch error", "cause", err)
		}
	}
}
