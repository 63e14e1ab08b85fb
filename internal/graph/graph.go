// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/platforms"

	"github.com/tkhq/imgraph/internal/dag"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// DefaultPlatform is used when neither the package nor the options set one.
const DefaultPlatform = "linux/amd64"

// Edge kinds.
const (
	EdgeHard   EdgeKind = "hard"
	EdgeInject EdgeKind = "inject"
)

type (
	// EdgeKind distinguishes requirement edges from ordering-only edges.
	EdgeKind string

	// Edge is a directed edge: From is evaluated before To.
	Edge struct {
		From string
		To   string
		Kind EdgeKind
	}

	// Package is a validated package declaration. Paths are slash-separated
	// and relative to the project root.
	Package struct {
		Name          string
		Descriptor    string
		Context       string
		Sources       []string
		Output        buildfile.OutputMode
		Platform      string
		InjectContext bool
		DependsOn     []string
		Default       bool
		BuildArgs     map[string]string

		// Index is the declaration position.
		Index int
	}

	// Options control graph construction.
	Options struct {
		// Root is the project root. Descriptors are checked relative to it.
		Root string
		// Platform replaces DefaultPlatform for packages that set none.
		Platform string
	}

	// Graph is the immutable package graph of one project.
	Graph struct {
		root     string
		packages map[string]*Package
		order    []*Package
		hard     *dag.Graph
		full     *dag.Graph
		edges    []Edge
	}
)

// IsBase reports whether the package is a base package that never receives
// sibling contexts.
func (p *Package) IsBase() bool { return !p.InjectContext }

// Load builds the graph of a decoded project file.
func Load(bf *buildfile.Buildfile, opts Options) (*Graph, error) {
	if opts.Root == "" {
		opts.Root = bf.Root
	}
	return New(bf.Packages, opts)
}

// New validates decls and computes the hard and inject edges between them.
func New(decls []buildfile.Package, opts Options) (*Graph, error) {
	defaultPlatform := opts.Platform
	if defaultPlatform == "" {
		defaultPlatform = DefaultPlatform
	}

	g := &Graph{
		root:     opts.Root,
		packages: make(map[string]*Package, len(decls)),
		hard:     dag.New(),
		full:     dag.New(),
	}

	var errs []error
	declared := make([]*Package, 0, len(decls))
	for i := range decls {
		p, err := newPackage(i, &decls[i], opts.Root, defaultPlatform)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := g.packages[p.Name]; dup {
			errs = append(errs, &ConfigurationError{
				Kind:    DuplicateName,
				Package: p.Name,
				Detail:  fmt.Sprintf("declared more than once (again at packages[%d])", i),
			})
			continue
		}
		g.packages[p.Name] = p
		declared = append(declared, p)
		g.hard.AddNode(p.Name)
		g.full.AddNode(p.Name)
	}

	for _, p := range declared {
		for _, dep := range p.DependsOn {
			if _, ok := g.packages[dep]; !ok {
				errs = append(errs, &ConfigurationError{
					Kind:    UndefinedDependency,
					Package: p.Name,
					Detail:  fmt.Sprintf("depends_on references undefined package %q", dep),
				})
				continue
			}
			g.addEdge(dep, p.Name, EdgeHard)
		}
		for _, dep := range inferredDependencies(p, declared) {
			g.addEdge(dep, p.Name, EdgeHard)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	hardOrder, err := g.hard.TopologicalSort()
	if err != nil {
		return nil, cycleError(err)
	}

	var prev string
	for _, name := range hardOrder {
		if !g.packages[name].InjectContext {
			continue
		}
		if prev != "" && !slices.Contains(g.hard.Ancestors(name), prev) {
			g.addEdge(prev, name, EdgeInject)
		}
		prev = name
	}

	fullOrder, err := g.full.TopologicalSort()
	if err != nil {
		return nil, cycleError(err)
	}
	for _, name := range fullOrder {
		g.order = append(g.order, g.packages[name])
	}

	return g, nil
}

func newPackage(i int, d *buildfile.Package, root, defaultPlatform string) (*Package, error) {
	p := &Package{
		Name:          d.Name,
		Descriptor:    cleanRel(d.Descriptor),
		Context:       cleanRel(d.Context),
		Sources:       slices.Clone(d.Sources),
		Output:        d.Output,
		Platform:      d.Platform,
		InjectContext: d.InjectContext,
		DependsOn:     slices.Clone(d.DependsOn),
		Default:       d.Default,
		BuildArgs:     d.BuildArgs,
		Index:         i,
	}
	if p.Output == "" {
		p.Output = buildfile.OutputDirectory
	}
	if p.Context == "" {
		p.Context = path.Dir(p.Descriptor)
	}

	if p.Platform == "" {
		p.Platform = defaultPlatform
	}
	spec, err := platforms.Parse(p.Platform)
	if err != nil {
		return nil, &ConfigurationError{Kind: InvalidPlatform, Package: p.Name, Detail: err.Error()}
	}
	p.Platform = platforms.Format(spec)

	if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(p.Descriptor))); err != nil || info.IsDir() {
		return nil, &ConfigurationError{
			Kind:    MissingDescriptor,
			Package: p.Name,
			Detail:  fmt.Sprintf("build descriptor %s does not exist", p.Descriptor),
		}
	}

	return p, nil
}

// inferredDependencies returns the packages whose build descriptor is named by
// one of p's literal (non-glob) source patterns. Glob patterns are ignored so
// that broad patterns such as "packages/**" do not tie every package to every
// other one.
func inferredDependencies(p *Package, all []*Package) []string {
	var deps []string
	for _, src := range p.Sources {
		if strings.ContainsAny(src, "*?[{\\") {
			continue
		}
		src = cleanRel(src)
		for _, other := range all {
			if other.Name == p.Name {
				continue
			}
			if src == other.Descriptor {
				deps = append(deps, other.Name)
			}
		}
	}
	return deps
}

func (g *Graph) addEdge(from, to string, kind EdgeKind) {
	if slices.Contains(g.full.Successors(from), to) {
		return
	}
	if kind == EdgeHard {
		g.hard.AddEdge(from, to)
	}
	g.full.AddEdge(from, to)
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
}

func cycleError(err error) error {
	var ce *dag.CycleError
	if errors.As(err, &ce) && len(ce.Cycle) > 0 {
		return &ConfigurationError{Kind: Cycle, Package: ce.Cycle[0], Cycle: ce.Cycle}
	}
	return err
}

func cleanRel(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean(filepath.ToSlash(p))
}

// Root returns the project root the graph was built against.
func (g *Graph) Root() string { return g.root }

// All returns every package in build order.
func (g *Graph) All() []*Package {
	return slices.Clone(g.order)
}

// Get returns the package named name.
func (g *Graph) Get(name string) (*Package, bool) {
	p, ok := g.packages[name]
	return p, ok
}

// Resolve returns name and its transitive hard dependencies in build order.
func (g *Graph) Resolve(name string) ([]*Package, error) {
	return g.ResolveAll([]string{name})
}

// ResolveAll returns the union of the hard closures of names in build order.
// Inject predecessors are not pulled in.
func (g *Graph) ResolveAll(names []string) ([]*Package, error) {
	want := make(map[string]bool)
	for _, name := range names {
		if _, ok := g.packages[name]; !ok {
			return nil, &ConfigurationError{Kind: UnknownPackage, Package: name, Detail: "not declared in the project file"}
		}
		want[name] = true
		for _, dep := range g.hard.Ancestors(name) {
			want[dep] = true
		}
	}

	out := make([]*Package, 0, len(want))
	for _, p := range g.order {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Dependencies returns the direct hard dependencies of name.
func (g *Graph) Dependencies(name string) []*Package {
	return g.lookup(g.hard.Predecessors(name))
}

// Dependents returns the packages that directly hard-depend on name.
func (g *Graph) Dependents(name string) []*Package {
	return g.lookup(g.hard.Successors(name))
}

// InjectPredecessors returns the packages that must reach a terminal state
// before name is dispatched, without being required to succeed.
func (g *Graph) InjectPredecessors(name string) []*Package {
	var names []string
	for _, e := range g.edges {
		if e.To == name && e.Kind == EdgeInject {
			names = append(names, e.From)
		}
	}
	return g.lookup(names)
}

// InjectAncestors returns every context-injecting package that precedes name
// along the inject chain, directly or through packages in between. A run must
// not dispatch name while any of them that is part of the run is unfinished,
// even when the packages in between are not.
func (g *Graph) InjectAncestors(name string) []*Package {
	p, ok := g.packages[name]
	if !ok || p.IsBase() {
		return nil
	}
	var names []string
	for _, a := range g.full.Ancestors(name) {
		if !g.packages[a].IsBase() {
			names = append(names, a)
		}
	}
	return g.lookup(names)
}

// Edges returns every edge in the order it was added.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

func (g *Graph) lookup(names []string) []*Package {
	out := make([]*Package, 0, len(names))
	for _, p := range g.order {
		if slices.Contains(names, p.Name) {
			out = append(out, p)
		}
	}
	return out
}
