// SPDX-License-Identifier: MPL-2.0

// Package buildfile defines the imgraph project file (imgraph.cue).
//
// The project file declares the packages to build, their build descriptors,
// the tracked sources that make them stale, and the orchestration scripts
// (code generation, application builds and end-to-end tests) that run inside
// the dev package image:
//
//	packages: [
//		{name: "common", descriptor: "images/common/Dockerfile", inject_context: false,
//		 sources: ["Cargo.toml", "Cargo.lock", "common/**"]},
//		{name: "reshard", descriptor: "apps/reshard/Dockerfile", depends_on: ["common"],
//		 sources: ["apps/reshard/**"]},
//	]
//
// The file is validated against an embedded CUE schema; semantic graph checks
// (duplicate names, undefined dependencies, cycles) happen in internal/graph.
package buildfile
