package moderation

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the ruleset at path whenever the file changes, until ctx is
// done. Reloaded rules are merged onto base. A ruleset that fails to load
// leaves the current one in place.
func (m *Moderator) Watch(ctx context.Context, path string, base Rules) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var pending <-chan time.Time

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("Rules watcher error", "error", err)
		case <-pending:
			pending = nil
			rules, err := LoadRules(path)
			if err != nil {
				m.log.Warn("Rules reload failed", "path", path, "error", err)
				continue
			}
			if err := m.Replace(Merge(base, rules)); err != nil {
				m.log.Warn("Rules reload rejected", "path", path, "error", err)
			}
		}
	}
}
