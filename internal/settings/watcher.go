package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes settings.json for external edits and invokes onChange
// with the freshly reloaded settings. Editor write patterns (truncate
// then write, or rename over) produce bursts of events, so changes are
// debounced before reloading. It blocks until the context is cancelled.
func (st *Store) Watch(ctx context.Context, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(st.path); err != nil {
		// The file may have been renamed away mid-setup; watch the
		// directory instead so re-creation is still observed.
		if err := watcher.Add(filepath.Dir(st.path)); err != nil {
			return err
		}
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != st.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if next, err := st.Reload(); err == nil {
				onChange(next)
			}

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
