// SPDX-License-Identifier: MPL-2.0

// Package watch reports debounced batches of file changes under a project
// root. The CLI uses it to rebuild packages while their sources are edited.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used when Options.Debounce is unset.
const DefaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watcher already running")

// defaultIgnores never trigger a rebuild: VCS metadata, editor swap files
// and OS metadata.
var defaultIgnores = []string{
	"**/.git",
	"**/.git/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

type (
	// Options configure a Watcher.
	Options struct {
		// Root is the directory watched recursively.
		Root string
		// Ignore lists doublestar patterns, relative to Root, whose changes are
		// dropped. They are merged with the defaults.
		Ignore []string
		// Debounce is the quiet period after the last event before OnChange
		// fires.
		Debounce time.Duration
		// OnChange receives the sorted, deduplicated paths (slash-separated,
		// relative to Root) changed since the previous call. Calls never
		// overlap.
		OnChange func(ctx context.Context, changed []string) error
		// Logger receives watcher warnings. Nil discards them.
		Logger *log.Logger
	}

	// Watcher monitors a directory tree. Run may be called once.
	Watcher struct {
		opts    Options
		fsw     *fsnotify.Watcher
		ignores []string
		logger  *log.Logger
		started atomic.Bool
	}
)

// New validates opts and registers every directory under Root that is not
// ignored.
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		opts.Root = wd
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	opts.Root = root
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	for _, pat := range opts.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("watch: invalid ignore pattern %q", pat)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}

	w := &Watcher{
		opts:    opts,
		fsw:     fsw,
		ignores: slices.Concat(defaultIgnores, opts.Ignore),
		logger:  logger,
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run dispatches batches of changes until ctx ends. It returns nil on
// cancellation and an error when the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		busy    atomic.Bool
	)

	// fire runs on the timer goroutine. A batch arriving while OnChange is
	// still running is retried after another debounce period.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !busy.CompareAndSwap(false, true) {
			mu.Lock()
			timer.Reset(w.opts.Debounce)
			mu.Unlock()
			return
		}
		defer busy.Store(false)

		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		if len(changed) == 0 || w.opts.OnChange == nil {
			return
		}
		if err := w.opts.OnChange(ctx, changed); err != nil {
			w.logger.Error("rebuild failed", "err", err)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: event channel closed")
			}
			rel, err := filepath.Rel(w.opts.Root, evt.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if w.ignored(rel) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.addNewDir(evt.Name)
			}

			mu.Lock()
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.opts.Debounce, fire)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: error channel closed")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: %w", err)
			}
			w.logger.Warn("watcher error", "err", err)
		}
	}
}

func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.opts.Root, path); err == nil && rel != "." && w.ignored(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", dir, err)
	}
	return nil
}

// addNewDir extends the watch to a directory created after startup.
func (w *Watcher) addNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("watch new directory", "path", path, "err", err)
	}
}

func (w *Watcher) ignored(rel string) bool {
	for _, pat := range w.ignores {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}
