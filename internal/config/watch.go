package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay collapses the burst of events an editor produces on save
const reloadDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid result to
// onChange. Invalid files are logged and ignored. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, logger *zap.SugaredLogger, onChange func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// the directory survives editors that replace the file by rename
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Infow("Watching config file", "path", abs)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("Config watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warnw("Ignoring invalid config change", "path", abs, "error", err)
				continue
			}
			logger.Infow("Config file changed", "path", abs)
			onChange(cfg)
		}
	}
}
