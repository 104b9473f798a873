package util

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig re-reads the config file whenever it changes and hands the
// result to apply. It watches the directory so editors that replace the file
// are noticed. It returns when ctx is done.
func WatchConfig(ctx context.Context, path string, apply func(*AppConfig)) error {
	log := Logger("config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)

	// Editors emit bursts of events; settle before reloading.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			conf, err := ReadConfFile(path)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			apply(conf)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
