// Package watch invalidates cached volumes when their source files change.
//
// The cache never checks source modification times on its own; a Watcher
// is the opt-in way to drop entries for files rewritten on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when adding sources to a closed Watcher.
var ErrClosed = errors.New("watch: watcher closed")

// Invalidator drops cached entries for a source identity.
// *cache.Cache implements it.
type Invalidator interface {
	Invalidate(identity string) int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for watch events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithNotify sets a callback invoked after each invalidation with the
// source identity and the number of entries dropped.
func WithNotify(fn func(identity string, dropped int)) Option {
	return func(w *Watcher) {
		w.notify = fn
	}
}

// Watcher watches the directories of registered sources and invalidates
// a source when it is written, replaced, renamed or removed.
//
// Directories rather than files are watched so that sources replaced by
// rename keep being tracked.
type Watcher struct {
	inv    Invalidator
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	notify func(string, int)

	mu      sync.Mutex
	sources map[string]struct{}
	dirs    map[string]int
	closed  bool
}

// New creates a Watcher that invalidates entries in inv.
func New(inv Invalidator, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		inv:     inv,
		fsw:     fsw,
		sources: make(map[string]struct{}),
		dirs:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Watcher) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Add starts tracking the source with the given identity, an absolute
// local path as returned by grid.Identify. Adding a tracked source is a
// no-op.
func (w *Watcher) Add(identity string) error {
	identity = filepath.Clean(identity)
	if !filepath.IsAbs(identity) {
		return fmt.Errorf("watch: %s: identity must be an absolute path", identity)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.sources[identity]; ok {
		return nil
	}
	dir := filepath.Dir(identity)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch: %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.sources[identity] = struct{}{}
	return nil
}

// Remove stops tracking identity.
func (w *Watcher) Remove(identity string) error {
	identity = filepath.Clean(identity)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sources[identity]; !ok {
		return nil
	}
	delete(w.sources, identity)
	dir := filepath.Dir(identity)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	if w.closed {
		return nil
	}
	if err := w.fsw.Remove(dir); err != nil {
		return fmt.Errorf("watch: %s: %w", dir, err)
	}
	return nil
}

// Sources returns the number of tracked sources.
func (w *Watcher) Sources() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sources)
}

// Run dispatches file events until ctx is done or the Watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log().Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(ev.Name)
	w.mu.Lock()
	_, tracked := w.sources[name]
	w.mu.Unlock()
	if !tracked {
		return
	}

	n := w.inv.Invalidate(name)
	w.log().Debug("source changed", "source", name, "op", ev.Op.String(), "dropped", n)
	if w.notify != nil {
		w.notify(name, n)
	}
}

// Close stops watching. Run returns once Close completes.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
