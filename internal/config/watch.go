package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultReloadDebounce coalesces the burst of events editors produce when
// saving a file.
const defaultReloadDebounce = 250 * time.Millisecond

// FileWatcher is the subset of *fsnotify.Watcher used by Watcher.
type FileWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWatcher) Add(name string) error          { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                   { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

// ReloadFunc is called after the config file changed and the new config was
// resolved and stored in the Holder.
type ReloadFunc func(old, updated *Resolved)

// Watcher reloads the config file into a Holder whenever it changes on disk.
// A file that fails to parse or validate is logged and ignored; the last
// good config stays in effect.
type Watcher struct {
	holder  *Holder
	resolve func() (*Resolved, error)
	logger  *slog.Logger

	debounce       time.Duration
	watcherFactory func() (FileWatcher, error)
}

// NewWatcher creates a Watcher for holder's config file. resolve re-runs
// the override chain, normally a closure over Resolve.
func NewWatcher(holder *Holder, resolve func() (*Resolved, error), logger *slog.Logger) *Watcher {
	return &Watcher{
		holder:         holder,
		resolve:        resolve,
		logger:         logger,
		debounce:       defaultReloadDebounce,
		watcherFactory: newFsnotifyWatcher,
	}
}

// Run watches until ctx is canceled. It watches the containing directory,
// since editors commonly replace the file by rename.
func (w *Watcher) Run(ctx context.Context, onReload ReloadFunc) error {
	path := filepath.Clean(w.holder.Path())

	fw, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("config: creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}

	w.logger.Debug("watching config file", slog.String("path", path))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path || !relevant(ev) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case watchErr, ok := <-fw.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("config file watcher error", slog.String("error", watchErr.Error()))

		case <-fire:
			timer, fire = nil, nil
			w.reload(onReload)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) reload(onReload ReloadFunc) {
	updated, err := w.resolve()
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous config",
			slog.String("path", w.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	old := w.holder.Update(updated)

	w.logger.Info("config reloaded", slog.String("path", w.holder.Path()))

	if onReload != nil {
		onReload(old, updated)
	}
}
