// SPDX-License-Identifier: MPL-2.0

package freshness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

type (
	staticLister struct {
		files []string
		err   error
	}

	depMap map[string][]*graph.Package

	fixture struct {
		root  string
		store *artifact.Store
		base  *graph.Package
		app   *graph.Package
	}
)

func (l staticLister) List(context.Context) ([]string, error) { return l.files, l.err }

func (m depMap) Dependencies(name string) []*graph.Package { return m[name] }

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// touch moves a file's mtime forward so it is strictly newer than anything
// written during the test.
func touch(t *testing.T, root, rel string, offset time.Duration) {
	t.Helper()
	when := time.Now().Add(offset)
	if err := os.Chtimes(filepath.Join(root, filepath.FromSlash(rel)), when, when); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	write(t, root, "packages/base/Containerfile", "FROM scratch")
	write(t, root, "packages/app1/Containerfile", "FROM base")
	write(t, root, "src/app1/main.rs", "fn main() {}")
	write(t, root, "Cargo.toml", "[workspace]")
	write(t, root, "src/app1/untracked.rs", "// not in the index")

	store, err := artifact.NewStore(filepath.Join(root, "out"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		root:  root,
		store: store,
		base: &graph.Package{
			Name: "base", Descriptor: "packages/base/Containerfile", Context: "packages/base",
			Output: buildfile.OutputDirectory, Platform: "linux/amd64",
		},
		app: &graph.Package{
			Name: "app1", Descriptor: "packages/app1/Containerfile", Context: "packages/app1",
			Sources: []string{"src/app1/**", "Cargo.toml"}, Output: buildfile.OutputDirectory,
			Platform: "linux/amd64", InjectContext: true,
		},
	}
}

func (f *fixture) oracle(t *testing.T, policy Policy) *Oracle {
	t.Helper()
	o, err := New(Options{
		Root: f.root,
		Lister: staticLister{files: []string{
			"Cargo.toml", "packages/app1/Containerfile", "packages/base/Containerfile", "src/app1/main.rs",
		}},
		Policy:    policy,
		Artifacts: f.store,
		Deps:      depMap{"app1": {f.base}},
		Registry:  "local",
		BuildArgs: map[string]string{"VERSION": "dev"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// build simulates a successful build: the manifest is written and the
// fingerprint of the decision is recorded.
func (f *fixture) build(t *testing.T, o *Oracle, pkg *graph.Package, manifest string) *artifact.Artifact {
	t.Helper()
	d, err := o.IsStale(context.Background(), pkg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Invalidate(pkg.Name); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.store.ManifestPath(pkg.Name), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := f.store.Put(pkg.Name, artifact.Record{Fingerprint: d.Fingerprint, Policy: string(o.Policy()), Output: pkg.Output})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (f *fixture) check(t *testing.T, o *Oracle, pkg *graph.Package) Decision {
	t.Helper()
	a, err := f.store.Get(pkg.Name)
	if err != nil {
		t.Fatal(err)
	}
	d, err := o.IsStale(context.Background(), pkg, a)
	if err != nil {
		t.Fatalf("IsStale() error = %v", err)
	}
	return d
}

func TestIsStale_NotBuilt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.check(t, f.oracle(t, PolicyFingerprint), f.base)
	if !d.Stale || d.Reason != "not built" {
		t.Errorf("decision = %+v, want stale/not built", d)
	}
	if !strings.HasPrefix(d.Fingerprint, "sha256:") {
		t.Errorf("Fingerprint = %q", d.Fingerprint)
	}
}

func TestIsStale_Fingerprint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy Policy
		change func(t *testing.T, f *fixture)
		stale  bool
	}{
		{"no change", PolicyFingerprint, func(*testing.T, *fixture) {}, false},
		{"untracked file edited", PolicyFingerprint, func(t *testing.T, f *fixture) {
			write(t, f.root, "src/app1/untracked.rs", "// edited")
		}, false},
		{"tracked source touched", PolicyFingerprint, func(t *testing.T, f *fixture) {
			touch(t, f.root, "src/app1/main.rs", time.Hour)
		}, true},
		{"descriptor touched", PolicyFingerprint, func(t *testing.T, f *fixture) {
			touch(t, f.root, "packages/app1/Containerfile", time.Hour)
		}, true},
		{"shared file outside package touched", PolicyFingerprint, func(t *testing.T, f *fixture) {
			touch(t, f.root, "Cargo.toml", time.Hour)
		}, true},
		{"mtime reset backwards with new content", PolicyFingerprint, func(t *testing.T, f *fixture) {
			write(t, f.root, "src/app1/main.rs", "fn main() { changed() }")
			touch(t, f.root, "src/app1/main.rs", -24*time.Hour)
		}, true},
		{"content policy ignores touch", PolicyContent, func(t *testing.T, f *fixture) {
			touch(t, f.root, "src/app1/main.rs", time.Hour)
		}, false},
		{"content policy sees edit", PolicyContent, func(t *testing.T, f *fixture) {
			write(t, f.root, "src/app1/main.rs", "fn main() { changed() }")
		}, true},
		{"tracked file deleted", PolicyFingerprint, func(t *testing.T, f *fixture) {
			if err := os.Remove(filepath.Join(f.root, "src/app1/main.rs")); err != nil {
				t.Fatal(err)
			}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			o := f.oracle(t, tt.policy)
			f.build(t, o, f.base, `{"schemaVersion":2}`)
			f.build(t, o, f.app, `{"schemaVersion":2}`)

			tt.change(t, f)

			d := f.check(t, o, f.app)
			if d.Stale != tt.stale {
				t.Errorf("Stale = %v (%s), want %v", d.Stale, d.Reason, tt.stale)
			}
		})
	}
}

func TestIsStale_DependencyDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.oracle(t, PolicyFingerprint)
	f.build(t, o, f.base, `{"schemaVersion":2}`)
	f.build(t, o, f.app, `{"schemaVersion":2}`)

	// Rebuilding base with an identical manifest keeps app1 fresh.
	f.build(t, o, f.base, `{"schemaVersion":2}`)
	if d := f.check(t, o, f.app); d.Stale {
		t.Errorf("identical dependency rebuild made app1 stale: %s", d.Reason)
	}

	f.build(t, o, f.base, `{"schemaVersion":2,"manifests":[]}`)
	if d := f.check(t, o, f.app); !d.Stale {
		t.Error("changed dependency manifest should make app1 stale")
	}
}

func TestIsStale_Timestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.oracle(t, PolicyTimestamp)
	f.build(t, o, f.base, `{}`)
	f.build(t, o, f.app, `{}`)

	if d := f.check(t, o, f.app); d.Stale {
		t.Fatalf("fresh build reported stale: %s", d.Reason)
	}

	touch(t, f.root, "src/app1/main.rs", time.Hour)
	d := f.check(t, o, f.app)
	if !d.Stale || !strings.Contains(d.Reason, "src/app1/main.rs") {
		t.Errorf("decision = %+v, want stale naming main.rs", d)
	}
}

func TestIsStale_TimestampDependency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.oracle(t, PolicyTimestamp)
	f.build(t, o, f.base, `{}`)
	f.build(t, o, f.app, `{}`)

	touch(t, f.store.Dir(), "base/index.json", time.Hour)
	fresh, err := artifact.NewStore(f.store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	o.opts.Artifacts = fresh

	a, _ := fresh.Get("app1")
	d, err := o.IsStale(context.Background(), f.app, a)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Stale || !strings.Contains(d.Reason, "base") {
		t.Errorf("decision = %+v, want stale because of base", d)
	}
}

func TestIsStale_ForeignArtifactFallsBackToTimestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.oracle(t, PolicyFingerprint)
	if err := os.MkdirAll(f.store.PackageDir("base"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, f.store.Dir(), "base/index.json", "{}")
	touch(t, f.store.Dir(), "base/index.json", time.Hour)

	if d := f.check(t, o, f.base); d.Stale {
		t.Errorf("artifact newer than inputs should be fresh, got %s", d.Reason)
	}
}

func TestIsStale_ReadErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o, err := New(Options{Root: f.root, Lister: staticLister{err: errors.New("index locked")}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.IsStale(context.Background(), f.base, nil)
	var sre *StalenessReadError
	if !errors.As(err, &sre) || !errors.Is(err, ErrStalenessRead) || sre.Package != "base" {
		t.Errorf("IsStale() error = %v, want StalenessReadError for base", err)
	}

	o = f.oracle(t, PolicyFingerprint)
	if err := os.Remove(filepath.Join(f.root, "packages/base/Containerfile")); err != nil {
		t.Fatal(err)
	}
	if _, err := o.IsStale(context.Background(), f.base, nil); !errors.Is(err, ErrStalenessRead) {
		t.Errorf("missing descriptor error = %v, want ErrStalenessRead", err)
	}
}

func TestInputs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.oracle(t, PolicyFingerprint)

	got, err := o.Inputs(context.Background(), f.app)
	if err != nil {
		t.Fatal(err)
	}
	want := "Cargo.toml,packages/app1/Containerfile,src/app1/main.rs"
	if strings.Join(got, ",") != want {
		t.Errorf("Inputs() = %v, want %s", got, want)
	}

	got, err = o.Inputs(context.Background(), f.base)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "packages/base/Containerfile" {
		t.Errorf("Inputs(base) = %v", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{PolicyFingerprint, PolicyContent, PolicyTimestamp} {
		if err := p.Validate(); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}
	if _, err := New(Options{Policy: "md5"}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("New(md5) error = %v", err)
	}
}
