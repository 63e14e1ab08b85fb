// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/buildctx"
	"github.com/tkhq/imgraph/internal/builder"
	"github.com/tkhq/imgraph/internal/config"
	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/internal/freshness"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/internal/issue"
	"github.com/tkhq/imgraph/internal/runner"
	"github.com/tkhq/imgraph/internal/tracked"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// project is everything one CLI invocation needs about the project it runs
// in. It is opened once per command.
type project struct {
	app      *App
	cfg      *config.Config
	file     *buildfile.Buildfile
	graph    *graph.Graph
	store    *artifact.Store
	oracle   *freshness.Oracle
	resolver *buildctx.Resolver
	logger   *log.Logger

	mu     sync.Mutex
	engine container.Engine
}

// lazyBackend defers engine detection to the first build so that commands
// which only plan never require an engine.
type lazyBackend struct {
	p *project
}

// openProject locates the project file, loads configuration layered over
// it, applies override (command flags) and builds the package graph. Every
// error it returns is a configError.
func (a *App) openProject(ctx context.Context, root *rootOptions, override func(*config.Config)) (*project, error) {
	path := root.projectFile
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, configError{err}
		}
		if path, err = buildfile.Find(wd); err != nil {
			return nil, configError{issue.NewErrorContext().
				WithOperation("find project file").
				WithResource(wd).
				WithSuggestion("Run imgraph from inside the project tree, or pass --file").
				Wrap(err).
				BuildError()}
		}
	}

	cfg, err := a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: root.configFile,
		ProjectDir:     filepath.Dir(path),
	})
	if err != nil {
		return nil, configError{err}
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, configError{issue.NewErrorContext().
				WithOperation("apply command-line flags").
				Wrap(err).
				BuildError()}
		}
	}

	logger := log.FromContext(ctx)
	if cfg.UI.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	file, err := buildfile.Load(path)
	if err != nil {
		return nil, configError{issue.NewErrorContext().
			WithOperation("load project file").
			WithResource(path).
			WithSuggestion("Check the field named in the message against the project file schema").
			Wrap(err).
			BuildError()}
	}

	g, err := graph.Load(file, graph.Options{Platform: cfg.Platform})
	if err != nil {
		return nil, configError{err}
	}

	outDir := cfg.OutDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(file.Root, outDir)
	}
	store, err := artifact.NewStore(outDir)
	if err != nil {
		return nil, err
	}

	var skip []string
	if rel, err := filepath.Rel(file.Root, outDir); err == nil {
		skip = append(skip, filepath.ToSlash(rel))
	}
	lister, err := tracked.New(tracked.Mode(cfg.Tracking), file.Root, skip...)
	if err != nil {
		return nil, configError{err}
	}

	oracle, err := freshness.New(freshness.Options{
		Root:      file.Root,
		Lister:    tracked.Cached(lister),
		Policy:    freshness.Policy(cfg.Freshness),
		Artifacts: store,
		Deps:      g,
		Registry:  cfg.Registry,
		BuildArgs: map[string]string{"VERSION": cfg.Version},
	})
	if err != nil {
		return nil, configError{err}
	}

	logger.Debug("project opened", "file", path, "packages", len(g.All()), "out", outDir)

	return &project{
		app:      a,
		cfg:      cfg,
		file:     file,
		graph:    g,
		store:    store,
		oracle:   oracle,
		resolver: buildctx.NewResolver(g, store),
		logger:   logger,
	}, nil
}

// containerEngine returns the configured engine, detecting it on first use.
func (p *project) containerEngine() (container.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		return p.engine, nil
	}
	e, err := p.app.NewEngine(p.cfg.ContainerEngine)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("container engine selected", "engine", e.Name())
	p.engine = e
	return e, nil
}

func (b lazyBackend) Name() string {
	return string(b.p.cfg.ContainerEngine)
}

func (b lazyBackend) Build(ctx context.Context, opts container.BuildOptions) error {
	e, err := b.p.containerEngine()
	if err != nil {
		return err
	}
	return e.Build(ctx, opts)
}

func (p *project) backend() builder.Backend {
	if p.app.Backend != nil {
		return p.app.Backend
	}
	return lazyBackend{p: p}
}

// requireBackend fails early when builds would need an engine that is not
// installed.
func (p *project) requireBackend() error {
	if p.app.Backend != nil {
		return nil
	}
	_, err := p.containerEngine()
	return err
}

// session returns a runner session over the project graph. onChange may be
// nil.
func (p *project) session(onChange func(runner.Result)) (*runner.Session, error) {
	var output func(string) io.Writer
	if p.cfg.UI.Verbose {
		output = func(string) io.Writer { return p.app.stderr }
	}

	b, err := builder.New(builder.Options{
		Root:            p.file.Root,
		Store:           p.store,
		Backend:         p.backend(),
		Registry:        p.cfg.Registry,
		Version:         p.cfg.Version,
		Revision:        gitRevision(p.file.Root),
		NoCache:         p.cfg.NoCache,
		SourceDateEpoch: p.cfg.SourceDateEpoch,
		Policy:          string(p.oracle.Policy()),
		Output:          output,
	})
	if err != nil {
		return nil, err
	}

	return runner.NewSession(runner.Options{
		Graph:     p.graph,
		Artifacts: p.store,
		Oracle:    p.oracle,
		Resolver:  p.resolver,
		Builder:   b,
		Workers:   p.cfg.Workers,
		KeepGoing: p.cfg.KeepGoing,
		Logger:    p.logger,
		OnChange:  onChange,
	})
}

// ensureBuilt builds names (and their dependencies) when stale and returns
// an error unless every one of them ends Fresh or Built.
func (p *project) ensureBuilt(ctx context.Context, names ...string) error {
	if err := p.requireBackend(); err != nil {
		return err
	}
	s, err := p.session(progressLogger(p.logger))
	if err != nil {
		return err
	}
	report, err := s.Run(ctx, names)
	if err != nil {
		return err
	}
	if !report.Succeeded() {
		return &ExitError{Code: report.ExitCode(), Err: report.Err()}
	}
	return nil
}

// gitRevision returns the commit checked out at root, or "" outside a
// repository.
func gitRevision(root string) string {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

// requirePackage checks name against the graph.
func (p *project) requirePackage(name string) (*graph.Package, error) {
	pkg, ok := p.graph.Get(name)
	if !ok {
		return nil, &graph.ConfigurationError{Kind: graph.UnknownPackage, Package: name, Detail: "not declared in " + p.file.Path}
	}
	return pkg, nil
}

var errNoPackages = errors.New("no packages selected")

func (p *project) selectOrAll(names []string) ([]string, error) {
	if len(names) > 0 {
		for _, n := range names {
			if _, err := p.requirePackage(n); err != nil {
				return nil, err
			}
		}
		return names, nil
	}
	all := p.graph.All()
	if len(all) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoPackages, p.file.Path)
	}
	out := make([]string, 0, len(all))
	for _, pkg := range all {
		out = append(out, pkg.Name)
	}
	return out, nil
}
