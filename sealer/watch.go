package sealer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// WatchKeyFile reloads the keys in path into s whenever the file changes,
// until ctx is cancelled. The parent directory is watched so that files
// replaced by rename are picked up. A file that fails to load or build a
// keyset is logged and the previous keys stay in use.
func WatchKeyFile(ctx context.Context, path string, s *Sealer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var c <-chan time.Time
		timer := time.NewTimer(reloadDebounce)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
					timer.Reset(reloadDebounce)
					c = timer.C
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WarnContext(ctx, "key file watcher error", "path", abs, "err", err)
			case <-c:
				c = nil
				reloadKeyFile(ctx, abs, s, logger)
			}
		}
	}()

	return nil
}

func reloadKeyFile(ctx context.Context, path string, s *Sealer, logger *slog.Logger) {
	keys, err := LoadKeyFile(path)
	if err != nil {
		logger.ErrorContext(ctx, "reloading sealer keys", "path", path, "err", err)
		return
	}
	if err := s.Rotate(keys); err != nil {
		logger.ErrorContext(ctx, "rotating sealer keys", "path", path, "err", err)
		return
	}
	logger.InfoContext(ctx, "sealer keys rotated", "path", path, "current_key_id", s.CurrentKeyID())
}
