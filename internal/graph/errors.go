// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DuplicateName means two packages share a name.
	DuplicateName ConfigErrorKind = "duplicate-name"
	// UndefinedDependency means depends_on names an unknown package.
	UndefinedDependency ConfigErrorKind = "undefined-dependency"
	// MissingDescriptor means the build descriptor does not exist on disk.
	MissingDescriptor ConfigErrorKind = "missing-descriptor"
	// InvalidPlatform means the platform string cannot be parsed.
	InvalidPlatform ConfigErrorKind = "invalid-platform"
	// Cycle means the hard dependencies form a cycle.
	Cycle ConfigErrorKind = "cycle"
	// UnknownPackage means a requested package is not declared.
	UnknownPackage ConfigErrorKind = "unknown-package"
)

// ErrConfiguration is the sentinel wrapped by ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

type (
	// ConfigErrorKind classifies a ConfigurationError.
	ConfigErrorKind string

	// ConfigurationError reports a malformed package graph. No build may
	// start once one is returned.
	ConfigurationError struct {
		Kind    ConfigErrorKind
		Package string
		Detail  string
		// Cycle holds the closed path for Kind == Cycle.
		Cycle []string
	}
)

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Package != "" {
		fmt.Fprintf(&b, ": package %q", e.Package)
	}
	if e.Kind == Cycle && len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": dependency cycle %s", strings.Join(e.Cycle, " -> "))
		return b.String()
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	return b.String()
}

// Unwrap returns ErrConfiguration for errors.Is.
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
