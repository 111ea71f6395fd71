package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the reloaded settings whenever the file at path is
// written or replaced, until ctx is done. A file that fails to load is
// logged and skipped; fn keeps the last good settings.
//
// The directory is watched rather than the file so that editors replacing
// the file by rename are followed.
func Watch(ctx context.Context, path string, fn func(Settings)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				s, err := Load(abs)
				if err != nil {
					slogger().Warn("config: reload failed", "path", abs, "err", err)
					continue
				}
				slogger().Info("config: settings reloaded", "path", abs)
				fn(s)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slogger().Warn("config: watcher error", "err", err)
			}
		}
	}()
	return nil
}
