// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Values are layered: built-in defaults, the user file
// ($XDG_CONFIG_HOME/imgraph/config.cue), the project file (.imgraph.cue in
// the project root), then environment variables. IMGRAPH_<KEY> overrides any
// key; REGISTRY, VERSION, NO_CACHE and SOURCE_DATE_EPOCH are honored for the
// settings build scripts conventionally pass that way.
//
// Files are validated against an embedded CUE schema (config_schema.cue)
// before they are merged.
package config
