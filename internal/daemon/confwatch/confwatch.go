// Package confwatch watches engined's YAML config file for edits and
// re-applies the subset of Config that is safe to change without a restart
// (today: the webhook rate limit). Grounded on this codebase's prior
// internal/mcp file watcher (fsnotify.NewWatcher, a debounced reload loop
// guarding against editors that write via rename-and-replace).
package confwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentsdashboard/engine/internal/daemon/configfile"
)

// Reloadable is the subset of *daemon.Daemon confwatch can apply a reload
// to without restarting the process.
type Reloadable interface {
	SetWebhookRateLimit(limit float64, burst int)
}

// Watch blocks until ctx is cancelled, re-reading path and calling
// apply.SetWebhookRateLimit whenever the file changes. Only the containing
// directory is watched, so a file that editors (vim, some IDEs) replace
// rather than write in place is still seen; Write, Create and Rename
// events on path trigger a debounced reload, and Remove events are ignored.
func Watch(ctx context.Context, logger *slog.Logger, path string, apply Reloadable) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case <-debounce.C:
			cfg, err := configfile.Load(path)
			if err != nil {
				logger.Warn("confwatch: reload failed", slog.Any("error", err))
				continue
			}
			apply.SetWebhookRateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst)
			logger.Info("confwatch: applied config reload", slog.String("path", path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("confwatch: watch error", slog.Any("error", err))
		}
	}
}
