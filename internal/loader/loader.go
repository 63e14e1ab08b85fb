// SPDX-License-Identifier: MPL-2.0

// Package loader imports built packages into the local image store of the
// container engine.
package loader

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// ErrNotBuilt is returned when loading a package that has no artifact.
var ErrNotBuilt = errors.New("package is not built")

type (
	// Engine is the part of a container engine the loader needs.
	Engine interface {
		Load(ctx context.Context, opts container.LoadOptions) error
		ImageExists(ctx context.Context, image string) (bool, error)
	}

	// Loader streams artifacts into an Engine.
	Loader struct {
		store  *artifact.Store
		engine Engine
		tag    func(name string) string
		stdout io.Writer
		stderr io.Writer
	}

	// Option configures a Loader.
	Option func(*Loader)
)

// WithOutput sets where engine output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(l *Loader) {
		l.stdout, l.stderr = stdout, stderr
	}
}

// WithTag sets how package names map to image references. With a tag
// function, a current loaded marker is trusted only while the engine still
// has the image.
func WithTag(tag func(name string) string) Option {
	return func(l *Loader) {
		l.tag = tag
	}
}

// New returns a Loader.
func New(store *artifact.Store, engine Engine, opts ...Option) *Loader {
	l := &Loader{store: store, engine: engine}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load imports name unless its loaded marker is current and the engine still
// has the image. It reports whether the engine was invoked.
func (l *Loader) Load(ctx context.Context, name string, force bool) (bool, error) {
	a, err := l.store.Get(name)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, fmt.Errorf("load %s: %w", name, ErrNotBuilt)
	}
	if !force && l.store.Loaded(name) {
		present, err := l.present(ctx, name)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", name, err)
		}
		if present {
			return false, nil
		}
	}

	var input io.ReadCloser
	if a.Output == buildfile.OutputArchive {
		input, err = os.Open(a.Payload)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", name, err)
		}
	} else {
		input = streamLayout(a.Payload)
	}
	defer input.Close()

	if err := l.engine.Load(ctx, container.LoadOptions{Input: input, Stdout: l.stdout, Stderr: l.stderr}); err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if err := l.store.MarkLoaded(name); err != nil {
		return false, fmt.Errorf("mark %s loaded: %w", name, err)
	}
	return true, nil
}

// present reports whether the engine still holds the image of name. Without
// a tag function the marker alone decides.
func (l *Loader) present(ctx context.Context, name string) (bool, error) {
	if l.tag == nil {
		return true, nil
	}
	return l.engine.ImageExists(ctx, l.tag(name))
}

// streamLayout tars an OCI layout directory on the fly. The state record
// is left out since it is not part of the layout.
func streamLayout(dir string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeLayout(pw, dir))
	}()
	return pr
}

func writeLayout(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if rel == artifact.StateFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
