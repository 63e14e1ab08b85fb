// SPDX-License-Identifier: MPL-2.0

// Package builder invokes the container backend for one package and records
// the resulting artifact.
package builder

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/armon/circbuf"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/buildctx"
	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// DefaultDiagnosticsSize bounds the backend output kept for error reports.
const DefaultDiagnosticsSize = 8 * 1024

type (
	// Backend is the part of a container engine the builder needs.
	Backend interface {
		Name() string
		Build(ctx context.Context, opts container.BuildOptions) error
	}

	// Options configure an ImageBuilder.
	Options struct {
		// Root is the project root; package paths are relative to it.
		Root    string
		Store   *artifact.Store
		Backend Backend

		Registry        string
		Version         string
		Revision        string
		NoCache         bool
		SourceDateEpoch int64
		// Policy is recorded with every artifact.
		Policy string
		// BuildArgs are passed to every package. Package build args win.
		BuildArgs map[string]string

		// Output returns where backend output for a package goes. Nil
		// discards it; diagnostics are captured either way.
		Output          func(name string) io.Writer
		DiagnosticsSize int64
	}

	// ImageBuilder builds single packages. It is safe for concurrent use on
	// distinct packages.
	ImageBuilder struct {
		opts Options
	}
)

// New returns an ImageBuilder.
func New(opts Options) (*ImageBuilder, error) {
	if opts.Store == nil {
		return nil, errors.New("builder: artifact store is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("builder: backend is required")
	}
	if opts.DiagnosticsSize <= 0 {
		opts.DiagnosticsSize = DefaultDiagnosticsSize
	}
	return &ImageBuilder{opts: opts}, nil
}

// Tag returns the image tag of a package.
func (b *ImageBuilder) Tag(name string) string {
	if b.opts.Registry == "" {
		return name
	}
	return b.opts.Registry + "/" + name
}

// BuildOptions returns the backend options for pkg with the given context.
func (b *ImageBuilder) BuildOptions(pkg *graph.Package, bctx buildctx.Context) container.BuildOptions {
	out := container.Output{Type: container.OutputDirectory, Dest: b.opts.Store.PackageDir(pkg.Name)}
	if pkg.Output == buildfile.OutputArchive {
		out = container.Output{Type: container.OutputArchive, Dest: b.opts.Store.Payload(pkg.Name, pkg.Output)}
	}

	args := make(map[string]string, len(b.opts.BuildArgs)+len(pkg.BuildArgs)+1)
	maps.Copy(args, b.opts.BuildArgs)
	maps.Copy(args, pkg.BuildArgs)
	if _, ok := args["VERSION"]; !ok && b.opts.Version != "" {
		args["VERSION"] = b.opts.Version
	}

	labels := map[string]string{ocispec.AnnotationTitle: pkg.Name}
	if b.opts.Version != "" {
		labels[ocispec.AnnotationVersion] = b.opts.Version
	}
	if b.opts.Revision != "" {
		labels[ocispec.AnnotationRevision] = b.opts.Revision
	}

	contexts := make([]container.NamedContext, 0, len(bctx))
	for _, name := range bctx.Names() {
		contexts = append(contexts, container.NamedContext{Name: name, Path: bctx[name]})
	}

	return container.BuildOptions{
		ContextDir:      b.abs(pkg.Context),
		Dockerfile:      b.abs(pkg.Descriptor),
		Tag:             b.Tag(pkg.Name),
		Platform:        pkg.Platform,
		Output:          out,
		Contexts:        contexts,
		BuildArgs:       args,
		Labels:          labels,
		NoCache:         b.opts.NoCache,
		SourceDateEpoch: b.opts.SourceDateEpoch,
	}
}

func (b *ImageBuilder) abs(rel string) string {
	return filepath.Join(b.opts.Root, filepath.FromSlash(rel))
}

// Build invalidates the previous artifact of pkg, runs the backend once and,
// on success, records fingerprint with the new artifact.
func (b *ImageBuilder) Build(ctx context.Context, pkg *graph.Package, bctx buildctx.Context, fingerprint string) (*artifact.Artifact, error) {
	fail := func(phase Phase, diag string, err error) error {
		code, _ := container.ExitCode(err)
		return &BuildError{Package: pkg.Name, Phase: phase, Diagnostics: diag, ExitCode: code, Err: err}
	}

	if err := b.opts.Store.Invalidate(pkg.Name); err != nil {
		return nil, fail(PhasePrepare, "", err)
	}

	diag, err := circbuf.NewBuffer(b.opts.DiagnosticsSize)
	if err != nil {
		return nil, fail(PhasePrepare, "", err)
	}
	var out io.Writer = io.Discard
	if b.opts.Output != nil {
		if w := b.opts.Output(pkg.Name); w != nil {
			out = w
		}
	}

	opts := b.BuildOptions(pkg, bctx)
	opts.Stdout = out
	opts.Stderr = io.MultiWriter(out, diag)

	if err := b.opts.Backend.Build(ctx, opts); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fail(PhaseBackend, diag.String(), cerr)
		}
		if missing := classifyMissingContext(pkg.Name, diag.String(), bctx); missing != nil {
			err = fmt.Errorf("%w: %w", missing, err)
		}
		return nil, fail(PhaseBackend, diag.String(), err)
	}

	if pkg.Output == buildfile.OutputArchive {
		if err := extractManifest(opts.Output.Dest, b.opts.Store.ManifestPath(pkg.Name)); err != nil {
			return nil, fail(PhaseManifest, diag.String(), err)
		}
	}
	if _, err := os.Stat(b.opts.Store.ManifestPath(pkg.Name)); err != nil {
		return nil, fail(PhaseManifest, diag.String(), fmt.Errorf("backend produced no %s: %w", artifact.ManifestFile, err))
	}

	a, err := b.opts.Store.Put(pkg.Name, artifact.Record{
		Fingerprint: fingerprint,
		Policy:      b.opts.Policy,
		Tag:         opts.Tag,
		Platform:    pkg.Platform,
		Output:      pkg.Output,
		BuiltAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fail(PhaseRecord, diag.String(), err)
	}
	return a, nil
}

// extractManifest copies index.json out of an OCI archive.
func extractManifest(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s has no %s", archive, artifact.ManifestFile)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", archive, err)
		}
		if filepath.Clean(hdr.Name) != artifact.ManifestFile {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, 16<<20))
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", artifact.ManifestFile, archive, err)
		}
		return artifact.WriteFileAtomic(dest, data)
	}
}

// SourceDateEpoch parses a SOURCE_DATE_EPOCH value. Empty means 0.
func SourceDateEpoch(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid SOURCE_DATE_EPOCH %q", s)
	}
	return v, nil
}
