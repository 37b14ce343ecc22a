package supervisor

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/benaskins/troupe/internal/spec"
)

const watcherDebounce = 500 * time.Millisecond

// WatchDescriptors watches the descriptor file and stages every valid
// change for the next restart. Invalid edits are logged and ignored. It
// blocks until ctx is cancelled.
func (s *Supervisor) WatchDescriptors(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	s.logger.Info("watching descriptors for changes", "path", target)

	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("descriptor file changed", "op", event.Op)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				s.reloadDescriptors(target)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("descriptor watcher error", "error", err)
		}
	}
}

// reloadDescriptors validates the file and stages it, returning the names
// of added, removed or changed services.
func (s *Supervisor) reloadDescriptors(path string) ([]string, error) {
	file, reg, err := spec.Load(path)
	if err != nil {
		s.logger.Error("descriptor change rejected", "path", path, "error", err)
		return nil, err
	}
	changed := diffRegistries(s.Registry(), reg)
	if len(changed) == 0 {
		s.logger.Debug("descriptor change has no effect")
		return nil, nil
	}
	s.Stage(reg, file.OnCrash)
	s.logger.Info("descriptor change staged; restart affected services to apply", "changed", changed)
	return changed, nil
}

func diffRegistries(old, next *spec.Registry) []string {
	seen := make(map[string]bool)
	var changed []string
	for _, sp := range next.Specs() {
		seen[sp.Name()] = true
		prev, ok := old.Get(sp.Name())
		if !ok || !sameSpec(prev, sp) {
			changed = append(changed, sp.Name())
		}
	}
	for _, name := range old.Names() {
		if !seen[name] {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func sameSpec(a, b *spec.ServiceSpec) bool {
	ab, err1 := yaml.Marshal(a)
	bb, err2 := yaml.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}
