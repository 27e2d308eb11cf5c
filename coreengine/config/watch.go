package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// WatchFile reloads the configuration file whenever it changes and hands
// the new document to onChange. Invalid documents are logged and skipped;
// the previous configuration stays in effect. The watch ends when ctx is
// cancelled.
//
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func WatchFile(ctx context.Context, path string, logger observability.Logger, onChange func(*File)) error {
	logger = observability.OrNop(logger)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				f, err := LoadFile(abs)
				if err != nil {
					logger.Warn("config_reload_rejected", "path", abs, "error", err)
					continue
				}
				logger.Info("config_reloaded", "path", abs, "routes", len(f.Routing.Routes))
				onChange(f)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config_watch_error", "path", abs, "error", err)
			}
		}
	}()

	return nil
}
