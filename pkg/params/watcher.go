package params

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the parameter file whenever it changes on disk, until ctx is
// cancelled. The parent directory is watched so editors that replace the file
// by rename are seen. Invalid files are logged and the active version is kept.
func Watch(ctx context.Context, store *Store, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	log := store.logger.WithContext(ctx).WithField("path", abs)
	log.Info("Watching resolution params")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Info("Stopped watching resolution params")
			return nil

		case <-fire:
			fire = nil
			if _, err := store.Reload(ctx, abs); err != nil {
				log.WithError(err).Warn("Params reload failed, keeping active version")
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(watchErr).Error("Params watcher error")
		}
	}
}
