// SPDX-License-Identifier: MPL-2.0

// Package tracked enumerates the files that count as build inputs.
//
// In git mode only files recorded in the repository index are listed, so
// untracked and ignored files never trigger a rebuild. The filesystem mode
// walks the project tree and exists for projects that are not under git.
package tracked

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
)

const (
	// ModeGit lists the files in the git index.
	ModeGit Mode = "git"
	// ModeFilesystem lists every regular file below the project root.
	ModeFilesystem Mode = "filesystem"
)

// ErrInvalidMode is the sentinel wrapped by InvalidModeError.
var ErrInvalidMode = errors.New("invalid tracking mode")

type (
	// Mode selects how tracked files are enumerated.
	Mode string

	// InvalidModeError is returned for an unknown Mode.
	InvalidModeError struct {
		Value Mode
	}

	// Lister enumerates tracked files as slash-separated paths relative to
	// the project root, sorted.
	Lister interface {
		List(ctx context.Context) ([]string, error)
	}

	// GitLister reads the index of the repository containing Root.
	GitLister struct {
		Root string
	}

	// FilesystemLister walks Root. Directories named in Skip (relative to
	// Root) and any .git directory are not descended into.
	FilesystemLister struct {
		Root string
		Skip []string
	}

	cachedLister struct {
		inner Lister
		mu    sync.Mutex
		files []string
	}
)

// Error implements the error interface.
func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid tracking mode %q (valid: git, filesystem)", e.Value)
}

// Unwrap returns ErrInvalidMode for errors.Is.
func (e *InvalidModeError) Unwrap() error { return ErrInvalidMode }

// Validate returns an error if the mode is not recognized.
func (m Mode) Validate() error {
	switch m {
	case ModeGit, ModeFilesystem:
		return nil
	default:
		return &InvalidModeError{Value: m}
	}
}

// New returns the lister for mode. skip is only used by the filesystem mode.
func New(mode Mode, root string, skip ...string) (Lister, error) {
	switch mode {
	case ModeGit, "":
		return &GitLister{Root: root}, nil
	case ModeFilesystem:
		return &FilesystemLister{Root: root, Skip: skip}, nil
	default:
		return nil, &InvalidModeError{Value: mode}
	}
}

// Cached wraps l so that the first successful listing is reused. Failures
// are not cached.
func Cached(l Lister) Lister {
	return &cachedLister{inner: l}
}

func (c *cachedLister) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.files != nil {
		return c.files, nil
	}
	files, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	c.files = files
	return files, nil
}

// List implements Lister.
func (l *GitLister) List(ctx context.Context) ([]string, error) {
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository at %s: %w", root, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("read git index: %w", err)
	}

	// The project may live in a subdirectory of the repository.
	prefix, err := filepath.Rel(wt.Filesystem.Root(), root)
	if err != nil {
		return nil, err
	}
	prefix = filepath.ToSlash(prefix)

	files := make([]string, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name
		if prefix != "." {
			rest, ok := strings.CutPrefix(name, prefix+"/")
			if !ok {
				continue
			}
			name = rest
		}
		files = append(files, name)
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// List implements Lister.
func (l *FilesystemLister) List(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || slices.Contains(l.Skip, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", l.Root, err)
	}
	slices.Sort(files)
	return files, nil
}

// Match returns the files matched by any of patterns, keeping the order of
// files. Patterns use doublestar syntax; a pattern naming a directory matches
// everything below it.
func Match(files, patterns []string) []string {
	var out []string
	for _, f := range files {
		for _, p := range patterns {
			p = path.Clean(p)
			if ok, _ := doublestar.Match(p, f); ok || strings.HasPrefix(f, p+"/") {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
