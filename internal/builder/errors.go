// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Build phases reported in BuildError.
const (
	PhasePrepare  Phase = "prepare"
	PhaseBackend  Phase = "backend"
	PhaseManifest Phase = "manifest"
	PhaseRecord   Phase = "record"
)

var (
	// ErrBuild is the sentinel wrapped by every BuildError.
	ErrBuild = errors.New("build failed")

	// ErrContextMissing is returned when the backend reports that a named
	// build context the descriptor refers to was not provided.
	ErrContextMissing = errors.New("build context missing")

	// Backend messages naming an image or context that could not be found.
	// A named context that is absent makes buildx and podman fall back to
	// pulling <name> from the default registry.
	missingContextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`docker\.io/library/([a-z0-9][a-z0-9._-]*):latest`),
		regexp.MustCompile(`pull access denied for ([a-z0-9][a-z0-9._-]*)`),
		regexp.MustCompile(`(?i)context "?([a-z0-9][a-z0-9._-]*)"? (?:not found|does not exist)`),
	}
)

type (
	// Phase names the step of a build that failed.
	Phase string

	// BuildError reports a failed package build. No artifact is registered
	// when it is returned.
	BuildError struct {
		Package string
		Phase   Phase
		// Diagnostics is the tail of the backend's error output.
		Diagnostics string
		// ExitCode is the backend exit code, or 0 when the backend did not run
		// to completion.
		ExitCode int
		Err      error
	}

	// ContextMissingError is classified from backend diagnostics when a
	// package references a sibling context that was not passed.
	ContextMissingError struct {
		Package string
		Context string
	}
)

// Error implements the error interface.
func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build %s failed during %s", e.Package, e.Phase)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both ErrBuild and the underlying cause.
func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuild}
	}
	return []error{ErrBuild, e.Err}
}

// Error implements the error interface.
func (e *ContextMissingError) Error() string {
	return fmt.Sprintf("package %s references build context %q, which is not built", e.Package, e.Context)
}

// Unwrap returns ErrContextMissing for errors.Is.
func (e *ContextMissingError) Unwrap() error { return ErrContextMissing }

// classifyMissingContext looks for a backend complaint about an image or
// context named like a sibling that was not part of provided.
func classifyMissingContext(pkg, diagnostics string, provided map[string]string) *ContextMissingError {
	for _, re := range missingContextPatterns {
		for _, m := range re.FindAllStringSubmatch(diagnostics, -1) {
			name := strings.TrimSpace(m[1])
			if name == pkg {
				continue
			}
			if _, ok := provided[name]; ok {
				continue
			}
			return &ContextMissingError{Package: pkg, Context: name}
		}
	}
	return nil
}
