package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one observed configuration file modification. The process does
// not hot-reload; it announces the change so sessions know current behavior
// may no longer match the file.
type Change struct {
	Path string
	At   time.Time
}

// Watch observes the config file until ctx ends, invoking notify on each
// write or rename. Events within the debounce window collapse into one
// notification; editors often produce several writes per save.
func Watch(ctx context.Context, path string, logger *slog.Logger, notify func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops the
	// watch when it is attached to the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(path)

	const debounce = 500 * time.Millisecond
	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			logger.Info("config file changed", "path", path)
			notify(Change{Path: path, At: time.Now()})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher", "error", err)
		}
	}
}
