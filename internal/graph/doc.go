// SPDX-License-Identifier: MPL-2.0

// Package graph models the declared packages of a project and the edges
// between them.
//
// Two edge kinds exist. Hard edges come from depends_on and from source
// patterns that name another package's build descriptor; a failed hard
// dependency halts its dependents. Inject edges chain every
// context-injecting package in build order so that each one observes a
// deterministic set of already-built siblings; they only order work and never
// propagate failure.
package graph
