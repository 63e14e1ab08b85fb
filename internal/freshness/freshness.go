// SPDX-License-Identifier: MPL-2.0

// Package freshness decides whether a package artifact must be rebuilt.
//
// A package's inputs are the tracked files matched by its source patterns
// (its context directory when it declares none), its build descriptor, its
// build settings and the manifests of its hard dependencies.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/internal/tracked"
)

const (
	// PolicyFingerprint compares a digest of input paths, mtimes and contents.
	PolicyFingerprint Policy = "fingerprint"
	// PolicyContent compares a digest of input paths and contents only.
	PolicyContent Policy = "content"
	// PolicyTimestamp rebuilds when any input is newer than the manifest.
	PolicyTimestamp Policy = "timestamp"

	fingerprintVersion = "imgraph-fingerprint/v1"
)

type (
	// Policy selects how staleness is decided.
	Policy string

	// Decision is the outcome of a staleness check.
	Decision struct {
		Stale  bool
		Reason string
		// Fingerprint is the current input fingerprint. It is recorded with
		// the artifact after a successful build.
		Fingerprint string
	}

	// Artifacts looks up built artifacts.
	Artifacts interface {
		Get(name string) (*artifact.Artifact, error)
	}

	// Dependencies lists the hard dependencies of a package.
	Dependencies interface {
		Dependencies(name string) []*graph.Package
	}

	// Options configure an Oracle.
	Options struct {
		Root      string
		Lister    tracked.Lister
		Policy    Policy
		Artifacts Artifacts
		Deps      Dependencies
		// Registry prefixes the image tag, which is part of the inputs.
		Registry string
		// BuildArgs are the project-wide build arguments.
		BuildArgs map[string]string
	}

	// Oracle answers staleness questions for the packages of one project.
	Oracle struct {
		opts Options
	}

	input struct {
		path    string
		modTime time.Time
		digest  digest.Digest
		missing bool
	}
)

// Validate returns an error if the policy is not recognized.
func (p Policy) Validate() error {
	switch p {
	case PolicyFingerprint, PolicyContent, PolicyTimestamp:
		return nil
	default:
		return &InvalidPolicyError{Value: p}
	}
}

// New returns an Oracle. An empty policy means PolicyFingerprint.
func New(opts Options) (*Oracle, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyFingerprint
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Lister == nil {
		opts.Lister = &tracked.GitLister{Root: opts.Root}
	}
	return &Oracle{opts: opts}, nil
}

// Policy returns the configured policy.
func (o *Oracle) Policy() Policy { return o.opts.Policy }

// Tag returns the image tag of a package.
func (o *Oracle) Tag(name string) string {
	if o.opts.Registry == "" {
		return name
	}
	return o.opts.Registry + "/" + name
}

// IsStale reports whether pkg must be rebuilt given its current artifact,
// which may be nil.
func (o *Oracle) IsStale(ctx context.Context, pkg *graph.Package, a *artifact.Artifact) (Decision, error) {
	inputs, err := o.inputs(ctx, pkg)
	if err != nil {
		return Decision{}, &StalenessReadError{Package: pkg.Name, Err: err}
	}

	fp, err := o.fingerprint(pkg, inputs)
	if err != nil {
		return Decision{}, &StalenessReadError{Package: pkg.Name, Err: err}
	}
	d := Decision{Fingerprint: fp}

	switch {
	case a == nil:
		d.Stale, d.Reason = true, "not built"
	case o.opts.Policy == PolicyTimestamp || a.Fingerprint() == "":
		d.Stale, d.Reason = o.newerThan(pkg, inputs, a.ModTime)
	case a.Record.Policy != "" && Policy(a.Record.Policy) != o.opts.Policy:
		d.Stale, d.Reason = true, fmt.Sprintf("freshness policy changed from %s to %s", a.Record.Policy, o.opts.Policy)
	case a.Fingerprint() != fp:
		d.Stale, d.Reason = true, "inputs changed since last build"
	default:
		d.Reason = "up to date"
	}
	return d, nil
}

// Inputs returns the project-relative paths considered for pkg.
func (o *Oracle) Inputs(ctx context.Context, pkg *graph.Package) ([]string, error) {
	inputs, err := o.inputs(ctx, pkg)
	if err != nil {
		return nil, &StalenessReadError{Package: pkg.Name, Err: err}
	}
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		paths = append(paths, in.path)
	}
	return paths, nil
}

func (o *Oracle) inputs(ctx context.Context, pkg *graph.Package) ([]input, error) {
	files, err := o.opts.Lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked files: %w", err)
	}

	patterns := pkg.Sources
	if len(patterns) == 0 {
		patterns = []string{pkg.Context}
	}
	paths := tracked.Match(files, patterns)
	if !slices.Contains(paths, pkg.Descriptor) {
		paths = append(paths, pkg.Descriptor)
	}
	slices.Sort(paths)

	inputs := make([]input, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := o.stat(p)
		if err != nil {
			return nil, err
		}
		if in.missing && p == pkg.Descriptor {
			return nil, fmt.Errorf("build descriptor %s: %w", p, fs.ErrNotExist)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// stat reads one input. A tracked file deleted from the worktree is kept as
// a missing input so its removal changes the fingerprint.
func (o *Oracle) stat(rel string) (input, error) {
	full := filepath.Join(o.opts.Root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return input{path: rel, missing: true}, nil
	}
	if err != nil {
		return input{}, err
	}
	if info.IsDir() {
		return input{path: rel, modTime: info.ModTime()}, nil
	}

	dgst, err := digestFile(full)
	if err != nil {
		return input{}, err
	}
	return input{path: rel, modTime: info.ModTime(), digest: dgst}, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func (o *Oracle) fingerprint(pkg *graph.Package, inputs []input) (string, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	fmt.Fprintf(h, "%s\n", fingerprintVersion)
	fmt.Fprintf(h, "policy %s\n", o.opts.Policy)
	fmt.Fprintf(h, "tag %s\nplatform %s\noutput %s\ndescriptor %s\ncontext %s\n",
		o.Tag(pkg.Name), pkg.Platform, pkg.Output, pkg.Descriptor, pkg.Context)

	args := maps.Clone(o.opts.BuildArgs)
	if args == nil {
		args = make(map[string]string)
	}
	maps.Copy(args, pkg.BuildArgs)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		fmt.Fprintf(h, "arg %s=%s\n", k, args[k])
	}

	if o.opts.Deps != nil {
		for _, dep := range o.opts.Deps.Dependencies(pkg.Name) {
			var depDigest digest.Digest
			if o.opts.Artifacts != nil {
				a, err := o.opts.Artifacts.Get(dep.Name)
				if err != nil {
					return "", err
				}
				if a != nil {
					depDigest = a.Digest
				}
			}
			fmt.Fprintf(h, "dep %s %s\n", dep.Name, depDigest)
		}
	}

	withTimes := o.opts.Policy != PolicyContent
	for _, in := range inputs {
		switch {
		case in.missing:
			fmt.Fprintf(h, "file %s deleted\n", in.path)
		case withTimes:
			fmt.Fprintf(h, "file %s %d %s\n", in.path, in.modTime.UnixNano(), in.digest)
		default:
			fmt.Fprintf(h, "file %s %s\n", in.path, in.digest)
		}
	}

	return d.Digest().String(), nil
}

// newerThan applies the timestamp policy. Hard dependency manifests count as
// inputs so that a rebuilt dependency makes its dependents stale.
func (o *Oracle) newerThan(pkg *graph.Package, inputs []input, ref time.Time) (bool, string) {
	for _, in := range inputs {
		if !in.missing && in.modTime.After(ref) {
			return true, fmt.Sprintf("%s modified after last build", in.path)
		}
	}

	if o.opts.Deps != nil && o.opts.Artifacts != nil {
		for _, dep := range o.opts.Deps.Dependencies(pkg.Name) {
			a, err := o.opts.Artifacts.Get(dep.Name)
			if err != nil || a == nil {
				return true, fmt.Sprintf("dependency %s is not built", dep.Name)
			}
			if a.ModTime.After(ref) {
				return true, fmt.Sprintf("dependency %s rebuilt after last build", dep.Name)
			}
		}
	}
	return false, "up to date"
}
