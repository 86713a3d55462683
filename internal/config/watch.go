package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 150 * time.Millisecond

// Watch monitors the config file and calls onChange with each new config
// that parses cleanly. A change that fails to load is logged and dropped,
// keeping the running config. The parent directory is watched rather than
// the file itself so atomic renames are caught. Blocks until ctx is done.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(*Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Info("watching config file", zap.String("path", path))

	var mu sync.Mutex
	var debounce *time.Timer
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, func() {
			cfg, err := LoadFrom(path)
			if err != nil {
				log.Warn("config change ignored, file failed to load", zap.Error(err))
				return
			}
			onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			mu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// Atomic writes show up as rename or create depending on the
			// editor, so react to everything touching the file.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}
