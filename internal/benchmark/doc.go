// SPDX-License-Identifier: MPL-2.0

// Package benchmark holds benchmarks for the hot paths of an incremental
// build, used for PGO profile generation:
//   - project file parsing and graph construction
//   - source matching and staleness checks
//   - a no-op rebuild of a fully built project
//   - virtual-runtime scripts
//
// To generate a profile, run:
//
//	go test -run '^$' -bench . -cpuprofile default.pgo ./internal/benchmark
package benchmark
