// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides the shared CUE parsing flow used by the project
// file and configuration loaders:
//
//  1. Compile the embedded schema
//  2. Compile user data and unify it with the schema definition
//  3. Validate and decode into a Go value
//
// Errors carry the offending file and a JSON-style path (e.g.
// "packages[1].output") so users can locate the problem without a CUE
// toolchain.
package cueutil
