package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads path into r whenever the file is written or replaced. It
// blocks until ctx is done. A file that fails to parse leaves r unchanged.
func Watch(ctx context.Context, path string, r *Registry, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			next, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("policy reload failed, keeping previous policy")
				continue
			}
			r.Replace(next)
			logger.Info().Str("path", path).Strs("types", r.Types()).Msg("policy reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}
