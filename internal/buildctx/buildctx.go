// SPDX-License-Identifier: MPL-2.0

// Package buildctx computes the named build contexts handed to a package
// build: the payloads of sibling packages that are already built.
package buildctx

import (
	"maps"
	"slices"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/graph"
)

type (
	// Context maps a sibling package name to its payload location. It is
	// computed right before each build and never cached.
	Context map[string]string

	// Packages lists every declared package.
	Packages interface {
		All() []*graph.Package
	}

	// Artifacts looks up built artifacts.
	Artifacts interface {
		Get(name string) (*artifact.Artifact, error)
	}

	// Resolver computes build contexts against a store.
	Resolver struct {
		packages  Packages
		artifacts Artifacts
	}
)

// Names returns the context names in sorted order.
func (c Context) Names() []string {
	return slices.Sorted(maps.Keys(c))
}

// NewResolver returns a Resolver over the given packages and store.
func NewResolver(packages Packages, artifacts Artifacts) *Resolver {
	return &Resolver{packages: packages, artifacts: artifacts}
}

// Resolve returns the context for pkg. Base packages get an empty context.
// Other packages get every built sibling that is not a base package;
// unbuilt siblings are left out and pkg never appears in its own context.
func (r *Resolver) Resolve(pkg *graph.Package) (Context, error) {
	ctx := Context{}
	if pkg.IsBase() {
		return ctx, nil
	}

	for _, sibling := range r.packages.All() {
		if sibling.Name == pkg.Name || sibling.IsBase() {
			continue
		}
		a, err := r.artifacts.Get(sibling.Name)
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		ctx[sibling.Name] = a.Payload
	}
	return ctx, nil
}
