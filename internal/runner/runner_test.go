// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/buildctx"
	"github.com/tkhq/imgraph/internal/builder"
	"github.com/tkhq/imgraph/internal/freshness"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/internal/testutil"
	"github.com/tkhq/imgraph/internal/tracked"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

type env struct {
	root    string
	store   *artifact.Store
	backend *testutil.FakeBackend
	session *Session
}

func decl(name string, inject bool, deps ...string) buildfile.Package {
	return buildfile.Package{
		Name:          name,
		Descriptor:    "packages/" + name + "/Containerfile",
		InjectContext: inject,
		DependsOn:     deps,
		Default:       true,
	}
}

// standard is the base/app1/app2 project: two context-injecting apps on a
// shared base.
func standard() []buildfile.Package {
	return []buildfile.Package{decl("base", false), decl("app1", true, "base"), decl("app2", true, "base")}
}

func newEnv(t *testing.T, decls []buildfile.Package, configure func(*Options)) *env {
	t.Helper()
	root := t.TempDir()
	for _, d := range decls {
		testutil.WriteFile(t, root, d.Descriptor, "FROM scratch\n")
		testutil.WriteFile(t, root, "packages/"+d.Name+"/src/main.rs", "fn main() {}\n")
	}

	g, err := graph.New(decls, graph.Options{Root: root})
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}
	store, err := artifact.NewStore(filepath.Join(root, "out"))
	if err != nil {
		t.Fatal(err)
	}
	oracle, err := freshness.New(freshness.Options{
		Root:      root,
		Lister:    &tracked.FilesystemLister{Root: root, Skip: []string{"out"}},
		Artifacts: store,
		Deps:      g,
		Registry:  "local",
	})
	if err != nil {
		t.Fatal(err)
	}
	backend := testutil.NewFakeBackend()
	b, err := builder.New(builder.Options{
		Root:     root,
		Store:    store,
		Backend:  backend,
		Registry: "local",
		Version:  "dev",
		Policy:   string(oracle.Policy()),
	})
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Graph:     g,
		Artifacts: store,
		Oracle:    oracle,
		Resolver:  buildctx.NewResolver(g, store),
		Builder:   b,
		Workers:   1,
		Logger:    log.New(io.Discard),
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &env{root: root, store: store, backend: backend, session: s}
}

func (e *env) run(t *testing.T, names ...string) *Report {
	t.Helper()
	report, err := e.session.Run(context.Background(), names)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

func (e *env) touch(t *testing.T, name string) {
	t.Helper()
	testutil.Touch(t, e.root, "packages/"+name+"/src/main.rs", time.Hour)
}

func contextsOf(e *env, name string) [][]string {
	var out [][]string
	for _, call := range e.backend.CallsFor(name) {
		names := []string{}
		for _, c := range call.Contexts {
			names = append(names, c.Name)
		}
		out = append(out, names)
	}
	return out
}

func states(r *Report) map[string]State {
	out := make(map[string]State, len(r.Results))
	for _, res := range r.Results {
		out[res.Package] = res.State
	}
	return out
}

func TestRun_BaseAndApps(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)

	report := e.run(t)
	if !report.Succeeded() {
		t.Fatalf("first run failed: %v", report.Err())
	}
	if diff := cmp.Diff([]string{"base", "app1", "app2"}, e.backend.Built()); diff != "" {
		t.Errorf("build order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{}}, contextsOf(e, "base")); diff != "" {
		t.Errorf("base contexts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{}}, contextsOf(e, "app1")); diff != "" {
		t.Errorf("app1 contexts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app1"}}, contextsOf(e, "app2")); diff != "" {
		t.Errorf("app2 contexts mismatch (-want +got):\n%s", diff)
	}

	// No-op rebuild.
	before := manifestTimes(t, e, "base", "app1", "app2")
	e.backend.Reset()
	report = e.run(t)
	if got := e.backend.Built(); len(got) != 0 {
		t.Errorf("unchanged project rebuilt %v", got)
	}
	if diff := cmp.Diff(before, manifestTimes(t, e, "base", "app1", "app2")); diff != "" {
		t.Errorf("no-op run rewrote manifests (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"base", "app1", "app2"}, report.InState(Fresh)); diff != "" {
		t.Errorf("fresh packages mismatch (-want +got):\n%s", diff)
	}

	// A touched app is rebuilt exactly once and now sees its sibling.
	e.backend.Reset()
	e.touch(t, "app2")
	report = e.run(t)
	if diff := cmp.Diff([]string{"app2"}, e.backend.Built()); diff != "" {
		t.Errorf("rebuilt packages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app1"}}, contextsOf(e, "app2")); diff != "" {
		t.Errorf("app2 contexts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app2"}, report.InState(Built)); diff != "" {
		t.Errorf("built packages mismatch (-want +got):\n%s", diff)
	}

	// Rebuilding app1 gives it app2's output; app2 has no hard edge on app1.
	e.backend.Reset()
	e.touch(t, "app1")
	e.run(t)
	if diff := cmp.Diff([]string{"app1"}, e.backend.Built()); diff != "" {
		t.Errorf("rebuilt packages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app2"}}, contextsOf(e, "app1")); diff != "" {
		t.Errorf("app1 contexts mismatch (-want +got):\n%s", diff)
	}

	// app2 rebuilt from scratch sees the freshly rebuilt app1.
	if err := e.store.Remove("app2"); err != nil {
		t.Fatal(err)
	}
	e.backend.Reset()
	report = e.run(t)
	if diff := cmp.Diff([]string{"app2"}, e.backend.Built()); diff != "" {
		t.Errorf("rebuilt packages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app1"}}, contextsOf(e, "app2")); diff != "" {
		t.Errorf("app2 contexts mismatch (-want +got):\n%s", diff)
	}
	if got := e.backend.CallsFor("app2")[0].Contexts[0].Path; !strings.Contains(got, filepath.Join("out", "app1")) {
		t.Errorf("app2 context source = %q, want the app1 payload", got)
	}
	if diff := cmp.Diff([]string{"app2"}, report.InState(Built)); diff != "" {
		t.Errorf("built packages mismatch (-want +got):\n%s", diff)
	}
}

func manifestTimes(t *testing.T, e *env, names ...string) map[string]time.Time {
	t.Helper()
	out := make(map[string]time.Time, len(names))
	for _, name := range names {
		info, err := os.Stat(e.store.ManifestPath(name))
		if err != nil {
			t.Fatal(err)
		}
		out[name] = info.ModTime()
	}
	return out
}

// Siblings in between that are not part of the run must not let a later
// injector start while an earlier one is still building.
func TestRun_PartialTargetsWaitForInjectChain(t *testing.T) {
	t.Parallel()

	decls := append(standard(), decl("app3", true, "base"))
	e := newEnv(t, decls, func(o *Options) { o.Workers = 4 })
	if report := e.run(t); !report.Succeeded() {
		t.Fatalf("first run failed: %v", report.Err())
	}

	e.touch(t, "app1")
	e.touch(t, "app3")
	e.backend.Reset()
	release := e.backend.Block("app1")
	defer release()

	done := make(chan *Report, 1)
	go func() {
		r, _ := e.session.Run(context.Background(), []string{"app1", "app3"})
		done <- r
	}()

	deadline := time.After(10 * time.Second)
	for e.session.State("app1") != Building {
		select {
		case <-deadline:
			t.Fatal("app1 never started building")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := e.session.State("app3"); got != Pending {
		t.Errorf("app3 state = %s while app1 is building, want pending", got)
	}
	release()

	report := <-done
	if !report.Succeeded() {
		t.Fatalf("run failed: %v", report.Err())
	}
	if diff := cmp.Diff([]string{"app1", "app3"}, e.backend.Built()); diff != "" {
		t.Errorf("build order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app1", "app2"}}, contextsOf(e, "app3")); diff != "" {
		t.Errorf("app3 contexts mismatch (-want +got):\n%s", diff)
	}
	if got := e.backend.MaxConcurrent(); got != 1 {
		t.Errorf("MaxConcurrent() = %d, want 1", got)
	}
}

// Independent packages still build in parallel next to an inject chain.
func TestRun_InjectChainWithWorkers(t *testing.T) {
	t.Parallel()

	decls := append(standard(), decl("tool", false))
	e := newEnv(t, decls, func(o *Options) { o.Workers = 3 })

	report := e.run(t)
	if !report.Succeeded() {
		t.Fatalf("run failed: %v", report.Err())
	}
	if diff := cmp.Diff([][]string{{}}, contextsOf(e, "app1")); diff != "" {
		t.Errorf("app1 contexts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"app1"}}, contextsOf(e, "app2")); diff != "" {
		t.Errorf("app2 contexts mismatch (-want +got):\n%s", diff)
	}
	if got := e.backend.MaxConcurrent(); got < 1 || got > 3 {
		t.Errorf("MaxConcurrent() = %d, want within the worker bound", got)
	}
}

func TestRun_DependencyChangeRebuildsDependents(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)
	e.run(t)

	e.backend.Reset()
	e.backend.SetManifest("base", `{"schemaVersion":2,"manifests":[{"digest":"sha256:new"}]}`)
	e.touch(t, "base")
	e.run(t)

	if diff := cmp.Diff([]string{"base", "app1", "app2"}, e.backend.Built()); diff != "" {
		t.Errorf("rebuilt packages mismatch (-want +got):\n%s", diff)
	}

	e.backend.Reset()
	e.run(t)
	if got := e.backend.Built(); len(got) != 0 {
		t.Errorf("second run rebuilt %v", got)
	}
}

func TestRun_IdenticalDependencyRebuildKeepsDependentsFresh(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)
	e.run(t)

	e.backend.Reset()
	e.touch(t, "base")
	e.run(t)
	if diff := cmp.Diff([]string{"base"}, e.backend.Built()); diff != "" {
		t.Errorf("rebuilt packages mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_HardFailureSkipsDependents(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)
	e.backend.Fail("base", testutil.FakeFailure{ExitCode: 3, Stderr: "ERROR: base broke"})

	report := e.run(t)
	want := map[string]State{"base": Failed, "app1": Skipped, "app2": Skipped}
	if diff := cmp.Diff(want, states(report)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if report.Succeeded() {
		t.Error("Succeeded() = true")
	}
	if report.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", report.ExitCode())
	}
	if !errors.Is(report.Err(), builder.ErrBuild) {
		t.Errorf("Err() = %v, want ErrBuild", report.Err())
	}
	if got := e.backend.Built(); len(got) != 1 {
		t.Errorf("backend calls = %v, want only base", got)
	}
	res, _ := report.Result("app1")
	if res.Reason != "dependency base did not build" {
		t.Errorf("app1 reason = %q", res.Reason)
	}
	if a, _ := e.store.Get("base"); a != nil {
		t.Error("failed package has an artifact")
	}
}

func TestRun_InjectFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		keepGoing bool
		want      map[string]State
	}{
		{"keep going builds the next injector", true, map[string]State{"base": Built, "app1": Failed, "app2": Built}},
		{"fail fast halts independent work", false, map[string]State{"base": Built, "app1": Failed, "app2": Skipped}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, standard(), func(o *Options) { o.KeepGoing = tt.keepGoing })
			e.backend.Fail("app1", testutil.FakeFailure{})

			report := e.run(t)
			if diff := cmp.Diff(tt.want, states(report)); diff != "" {
				t.Errorf("states mismatch (-want +got):\n%s", diff)
			}
			if tt.keepGoing {
				// The failed sibling is omitted from the context.
				if diff := cmp.Diff([][]string{{}}, contextsOf(e, "app2")); diff != "" {
					t.Errorf("app2 contexts mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestRun_NamedTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)
	report := e.run(t, "app1")

	if diff := cmp.Diff([]string{"base", "app1"}, e.backend.Built()); diff != "" {
		t.Errorf("built mismatch (-want +got):\n%s", diff)
	}
	if _, ok := report.Result("app2"); ok {
		t.Error("app2 should not be part of the run")
	}

	if _, err := e.session.Run(context.Background(), []string{"ghost"}); !errors.Is(err, graph.ErrConfiguration) {
		t.Errorf("Run(ghost) error = %v, want ErrConfiguration", err)
	}
}

func TestRun_DefaultSet(t *testing.T) {
	t.Parallel()

	decls := standard()
	tool := decl("tool", false)
	tool.Default = false
	decls = append(decls, tool)

	e := newEnv(t, decls, nil)
	e.run(t)
	if diff := cmp.Diff([]string{"base", "app1", "app2"}, e.backend.Built()); diff != "" {
		t.Errorf("default set mismatch (-want +got):\n%s", diff)
	}

	e.backend.Reset()
	e.run(t, "tool")
	if diff := cmp.Diff([]string{"tool"}, e.backend.Built()); diff != "" {
		t.Errorf("explicit target mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_Parallel(t *testing.T) {
	t.Parallel()

	decls := []buildfile.Package{decl("a", false), decl("b", false), decl("c", false)}
	e := newEnv(t, decls, func(o *Options) { o.Workers = 2 })
	releaseA := e.backend.Block("a")
	releaseB := e.backend.Block("b")

	done := make(chan *Report, 1)
	go func() {
		r, _ := e.session.Run(context.Background(), nil)
		done <- r
	}()

	deadline := time.After(10 * time.Second)
	for len(e.backend.Calls()) < 2 {
		select {
		case <-deadline:
			t.Fatal("two builds never ran concurrently")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := e.session.State("c"); got != Pending {
		t.Errorf("c state = %s while both workers are busy, want pending", got)
	}
	releaseA()
	releaseB()

	report := <-done
	if !report.Succeeded() {
		t.Fatalf("run failed: %v", report.Err())
	}
	if got := e.backend.MaxConcurrent(); got != 2 {
		t.Errorf("MaxConcurrent() = %d, want 2", got)
	}
}

func TestRun_Cancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)
	release := e.backend.Block("base")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() {
		r, _ := e.session.Run(ctx, nil)
		done <- r
	}()

	deadline := time.After(10 * time.Second)
	for e.session.State("base") != Building {
		select {
		case <-deadline:
			t.Fatal("base never started building")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	report := <-done
	if !report.Canceled {
		t.Error("Canceled = false")
	}
	want := map[string]State{"base": Failed, "app1": Skipped, "app2": Skipped}
	if diff := cmp.Diff(want, states(report)); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	e := newEnv(t, standard(), nil)

	steps, err := e.session.Plan(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if !s.Stale || s.Reason != "not built" {
			t.Errorf("step %+v, want stale/not built", s)
		}
	}
	// Contexts assume earlier steps of the plan succeed.
	wantContexts := map[string][]string{"base": nil, "app1": nil, "app2": {"app1"}}
	for _, s := range steps {
		if diff := cmp.Diff(wantContexts[s.Package], s.Contexts); diff != "" {
			t.Errorf("%s contexts mismatch (-want +got):\n%s", s.Package, diff)
		}
	}
	if len(e.backend.Calls()) != 0 {
		t.Fatal("Plan invoked the backend")
	}

	e.run(t)
	e.touch(t, "base")
	steps, err = e.session.Plan(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []Step{
		{Package: "base", Stale: true, Reason: "inputs changed since last build"},
		{Package: "app1", Stale: true, Reason: "dependency base will be rebuilt", Contexts: []string{"app2"}},
		{Package: "app2", Stale: true, Reason: "dependency base will be rebuilt", Contexts: []string{"app1"}},
	}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
	}
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	var seen []string
	e := newEnv(t, []buildfile.Package{decl("base", false)}, func(o *Options) {
		o.OnChange = func(r Result) { seen = append(seen, r.Package+":"+r.State.String()) }
	})
	e.run(t)
	e.run(t)

	want := []string{"base:building", "base:built", "base:fresh"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("OnChange sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		ok       bool
	}{
		{Pending, Fresh, true},
		{Pending, Building, true},
		{Pending, Skipped, true},
		{Building, Built, true},
		{Building, Failed, true},
		{Building, Fresh, false},
		{Built, Building, false},
		{Fresh, Failed, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if Built.Terminal() != true || Building.Terminal() != false {
		t.Error("Terminal() misclassifies states")
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(Options{}); err == nil {
		t.Error("NewSession() with no graph should fail")
	}
}
