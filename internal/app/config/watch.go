package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ghalamif/como/internal/ports"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes on disk and passes every valid
// config to fn. Invalid documents are logged and skipped. It blocks until
// ctx is done. The parent directory is watched so editors that replace the
// file by rename are picked up.
func Watch(ctx context.Context, path string, obs ports.Observability, fn func(*Config)) error {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.LogError("config_watch_error", err)

		case <-reload:
			reload = nil
			cfg, err := Load(abs)
			if err != nil {
				obs.LogError("config_reload_failed", err, ports.Field{Key: "path", Value: path})
				continue
			}
			obs.LogInfo("config_reloaded", ports.Field{Key: "path", Value: path})
			fn(cfg)
		}
	}
}
