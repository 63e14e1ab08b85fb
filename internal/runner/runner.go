// SPDX-License-Identifier: MPL-2.0

// Package runner drives a build of part of the package graph: it evaluates
// freshness in dependency order and builds stale packages on a bounded
// worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/buildctx"
	"github.com/tkhq/imgraph/internal/freshness"
	"github.com/tkhq/imgraph/internal/graph"
)

type (
	// Artifacts looks up built artifacts.
	Artifacts interface {
		Get(name string) (*artifact.Artifact, error)
	}

	// Oracle decides staleness.
	Oracle interface {
		IsStale(ctx context.Context, pkg *graph.Package, a *artifact.Artifact) (freshness.Decision, error)
	}

	// Resolver computes the named contexts of a build.
	Resolver interface {
		Resolve(pkg *graph.Package) (buildctx.Context, error)
	}

	// Builder builds one package.
	Builder interface {
		Build(ctx context.Context, pkg *graph.Package, bctx buildctx.Context, fingerprint string) (*artifact.Artifact, error)
	}

	// Options configure a Session.
	Options struct {
		Graph     *graph.Graph
		Artifacts Artifacts
		Oracle    Oracle
		Resolver  Resolver
		Builder   Builder
		// Workers bounds concurrent package evaluations. Zero means the
		// number of CPUs; 1 runs sequentially.
		Workers int
		// KeepGoing keeps dispatching independent packages after a failure.
		KeepGoing bool
		// Logger defaults to the logger carried by the run context.
		Logger *log.Logger
		// OnChange, when set, is called from the coordinator on every state
		// change.
		OnChange func(Result)
	}

	// Session owns the state of runs over one graph. Runs on a Session are
	// serialized.
	Session struct {
		opts Options

		runMu  sync.Mutex
		mu     sync.Mutex
		states map[string]State
		cancel context.CancelFunc
	}

	// event is sent by workers to the coordinator.
	event struct {
		result Result
	}
)

// NewSession validates opts and returns a Session.
func NewSession(opts Options) (*Session, error) {
	switch {
	case opts.Graph == nil:
		return nil, errors.New("runner: graph is required")
	case opts.Artifacts == nil:
		return nil, errors.New("runner: artifact store is required")
	case opts.Oracle == nil:
		return nil, errors.New("runner: freshness oracle is required")
	case opts.Resolver == nil:
		return nil, errors.New("runner: context resolver is required")
	case opts.Builder == nil:
		return nil, errors.New("runner: builder is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Session{opts: opts, states: make(map[string]State)}, nil
}

// State returns the state of name in the current or last run.
func (s *Session) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

// Cancel stops the current run, if any. In-flight builds are interrupted.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Targets returns the packages a run over names covers: the default set
// when names is empty, otherwise the named packages. Hard dependencies are
// included.
func (s *Session) Targets(names []string) ([]*graph.Package, error) {
	if len(names) == 0 {
		for _, p := range s.opts.Graph.All() {
			if p.Default {
				names = append(names, p.Name)
			}
		}
	}
	return s.opts.Graph.ResolveAll(names)
}

// Run builds names and their hard dependencies. The returned error is
// non-nil when the run could not start; package failures are in the Report.
func (s *Session) Run(ctx context.Context, names []string) (*Report, error) {
	plan, err := s.Targets(names)
	if err != nil {
		return nil, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.states = make(map[string]State, len(plan))
	for _, p := range plan {
		s.states[p.Name] = Pending
	}
	s.mu.Unlock()

	logger := s.opts.Logger
	if logger == nil {
		logger = log.FromContext(ctx)
	}
	logger.Debug("starting run", "packages", len(plan), "workers", s.opts.Workers)

	c := &coordinator{
		session: s,
		logger:  logger,
		plan:    plan,
		inPlan:  make(map[string]bool, len(plan)),
		running: make(map[string]bool),
		results: make(map[string]Result, len(plan)),
		events:  make(chan event, 2*len(plan)),
	}
	for _, p := range plan {
		c.inPlan[p.Name] = true
	}

	report := c.run(ctx)

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	return report, nil
}

// coordinator is the single goroutine that owns dispatch decisions and
// every state change.
type coordinator struct {
	session *Session
	logger  *log.Logger
	plan    []*graph.Package
	inPlan  map[string]bool
	running map[string]bool
	results map[string]Result
	events  chan event

	halted string
}

func (c *coordinator) run(ctx context.Context) *Report {
	var g errgroup.Group
	g.SetLimit(c.session.opts.Workers)

	for {
		if ctx.Err() != nil {
			c.skipRemaining("run canceled")
		} else {
			c.dispatch(ctx, &g)
		}

		if len(c.running) == 0 {
			// Nothing in flight: either every package is terminal or a
			// failure halted the run.
			c.skipRemaining("run halted")
			break
		}
		c.handle(<-c.events)
	}

	_ = g.Wait()

	report := &Report{Canceled: ctx.Err() != nil}
	for _, p := range c.plan {
		report.Results = append(report.Results, c.results[p.Name])
	}
	return report
}

// dispatch starts every package whose prerequisites are terminal, in build
// order, while worker slots are free.
func (c *coordinator) dispatch(ctx context.Context, g *errgroup.Group) {
	for _, p := range c.plan {
		if c.running[p.Name] || c.session.State(p.Name) != Pending {
			continue
		}

		if dep, blocked := c.failedDependency(p); blocked {
			c.record(Result{
				Package: p.Name,
				State:   Skipped,
				Reason:  fmt.Sprintf("dependency %s did not build", dep),
			})
			continue
		}
		if c.halted != "" || !c.ready(p) || len(c.running) >= c.session.opts.Workers {
			continue
		}

		c.running[p.Name] = true
		g.Go(func() error {
			c.events <- event{result: c.session.evaluate(ctx, c.logger, p, func() {
				c.events <- event{result: Result{Package: p.Name, State: Building}}
			})}
			return nil
		})
	}
}

func (c *coordinator) handle(ev event) {
	res := ev.result
	if res.State == Building {
		c.set(res.Package, Building)
		if fn := c.session.opts.OnChange; fn != nil {
			fn(res)
		}
		return
	}
	delete(c.running, res.Package)
	c.record(res)
}

// ready reports whether every hard dependency is satisfied and every inject
// ancestor in the plan is terminal. Ancestors are checked transitively so a
// sibling left out of the plan does not break the chain.
func (c *coordinator) ready(p *graph.Package) bool {
	for _, dep := range c.session.opts.Graph.Dependencies(p.Name) {
		if !c.session.State(dep.Name).Satisfied() {
			return false
		}
	}
	for _, pred := range c.session.opts.Graph.InjectAncestors(p.Name) {
		if c.inPlan[pred.Name] && !c.session.State(pred.Name).Terminal() {
			return false
		}
	}
	return true
}

func (c *coordinator) failedDependency(p *graph.Package) (string, bool) {
	for _, dep := range c.session.opts.Graph.Dependencies(p.Name) {
		switch c.session.State(dep.Name) {
		case Failed, Skipped:
			return dep.Name, true
		}
	}
	return "", false
}

func (c *coordinator) record(res Result) {
	c.results[res.Package] = res
	c.set(res.Package, res.State)

	fields := []any{"pkg", res.Package, "state", res.State, "reason", res.Reason}
	if res.Duration > 0 {
		fields = append(fields, "duration", res.Duration.Round(time.Millisecond))
	}
	switch res.State {
	case Failed:
		c.logger.Error("package failed", append(fields, "err", res.Err)...)
		if !c.session.opts.KeepGoing && c.halted == "" {
			c.halted = res.Package
		}
	case Skipped:
		c.logger.Warn("package skipped", fields...)
	default:
		c.logger.Info("package done", fields...)
	}

	if fn := c.session.opts.OnChange; fn != nil {
		fn(res)
	}
}

func (c *coordinator) set(name string, to State) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	from := c.session.states[name]
	if !canTransition(from, to) {
		panic(fmt.Sprintf("runner: invalid transition of %s from %s to %s", name, from, to))
	}
	c.session.states[name] = to
}

// skipRemaining marks every package that is neither terminal nor running as
// Skipped.
func (c *coordinator) skipRemaining(reason string) {
	if c.halted != "" && reason == "run halted" {
		reason = fmt.Sprintf("run halted after %s failed", c.halted)
	}
	for _, p := range c.plan {
		if !c.running[p.Name] && c.session.State(p.Name) == Pending {
			c.record(Result{Package: p.Name, State: Skipped, Reason: reason})
		}
	}
}

// evaluate runs on a worker: freshness check at dispatch time, then a build
// when stale.
func (s *Session) evaluate(ctx context.Context, logger *log.Logger, p *graph.Package, building func()) Result {
	start := time.Now()
	res := Result{Package: p.Name}
	fail := func(err error) Result {
		res.State, res.Err, res.Duration = Failed, err, time.Since(start)
		if res.Reason == "" {
			res.Reason = err.Error()
		}
		return res
	}

	current, err := s.opts.Artifacts.Get(p.Name)
	if err != nil {
		return fail(err)
	}
	decision, err := s.opts.Oracle.IsStale(ctx, p, current)
	if err != nil {
		return fail(err)
	}
	if !decision.Stale {
		res.State, res.Reason, res.Artifact = Fresh, decision.Reason, current
		res.Duration = time.Since(start)
		return res
	}
	res.Reason = decision.Reason

	bctx, err := s.opts.Resolver.Resolve(p)
	if err != nil {
		return fail(err)
	}
	logger.Debug("building", "pkg", p.Name, "reason", decision.Reason, "contexts", bctx.Names())
	building()

	a, err := s.opts.Builder.Build(ctx, p, bctx, decision.Fingerprint)
	if err != nil {
		return fail(err)
	}
	res.State, res.Artifact, res.Duration = Built, a, time.Since(start)
	return res
}
