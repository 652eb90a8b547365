package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces editor write bursts into one notification.
const defaultDebounce = 250 * time.Millisecond

// Watcher re-runs a callback when watched paths change.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher over the given files or directories.
func NewWatcher(paths ...string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting watcher: %w", err)
	}
	for _, path := range paths {
		if err := fs.Add(path); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("config: watching %s: %w", path, err)
		}
	}
	return &Watcher{fs: fs, debounce: defaultDebounce}, nil
}

// SetDebounce overrides the event coalescing window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run invokes fn after each settled burst of write, create, remove, or
// rename events, until the context is canceled. fn errors stop the
// loop and are returned.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config: watcher: %w", err)

		case <-fire:
			timer = nil
			fire = nil
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
