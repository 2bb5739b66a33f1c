package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/encabox/encabox/internal/logging"
)

// debounce collapses the burst of events editors produce on save
const debounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid config to
// onChange. Invalid edits are logged and skipped. It blocks until ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(expandPath(path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory so rename-on-save editors are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				logging.Warn("config reload rejected", logging.Err(err), logging.Component("config"))
				continue
			}
			logging.Info("config reloaded", "path", path, logging.Component("config"))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", logging.Err(err), logging.Component("config"))
		}
	}
}
