// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"fmt"
	"slices"
)

// Step is one entry of a dry-run plan.
type Step struct {
	Package string
	Stale   bool
	Reason  string
	// Contexts lists the sibling contexts the build would receive: siblings
	// built now plus siblings rebuilt earlier in the same run.
	Contexts []string
}

// Plan reports what Run would do for names without invoking the builder.
// A package whose hard dependency would be rebuilt is reported stale, since
// its fingerprint depends on the dependency's new manifest.
func (s *Session) Plan(ctx context.Context, names []string) ([]Step, error) {
	pkgs, err := s.Targets(names)
	if err != nil {
		return nil, err
	}

	rebuilt := make(map[string]bool, len(pkgs))
	steps := make([]Step, 0, len(pkgs))
	for _, p := range pkgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		step := Step{Package: p.Name}
		for _, dep := range s.opts.Graph.Dependencies(p.Name) {
			if rebuilt[dep.Name] {
				step.Stale, step.Reason = true, fmt.Sprintf("dependency %s will be rebuilt", dep.Name)
				break
			}
		}
		if !step.Stale {
			current, err := s.opts.Artifacts.Get(p.Name)
			if err != nil {
				return nil, err
			}
			d, err := s.opts.Oracle.IsStale(ctx, p, current)
			if err != nil {
				return nil, err
			}
			step.Stale, step.Reason = d.Stale, d.Reason
		}

		if step.Stale {
			rebuilt[p.Name] = true
			bctx, err := s.opts.Resolver.Resolve(p)
			if err != nil {
				return nil, err
			}
			step.Contexts = bctx.Names()
			if !p.IsBase() {
				for _, earlier := range steps {
					sibling, _ := s.opts.Graph.Get(earlier.Package)
					if earlier.Stale && !sibling.IsBase() && !slices.Contains(step.Contexts, earlier.Package) {
						step.Contexts = append(step.Contexts, earlier.Package)
					}
				}
				slices.Sort(step.Contexts)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}
