// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/syntax"
)

// validate checks what the CUE schema cannot express: source pattern syntax,
// script syntax and app name uniqueness. Package-level graph checks
// (duplicates, undefined dependencies, cycles) belong to the target graph.
func (b *Buildfile) validate() error {
	var errs []error

	for i, p := range b.Packages {
		if err := p.Output.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("packages[%d].output: %w", i, err))
		}
		for j, pattern := range p.Sources {
			if !doublestar.ValidatePattern(pattern) {
				errs = append(errs, fmt.Errorf("packages[%d].sources[%d]: invalid pattern %q", i, j, pattern))
			}
			if strings.HasPrefix(pattern, "/") {
				errs = append(errs, fmt.Errorf("packages[%d].sources[%d]: pattern %q must be relative to the project root", i, j, pattern))
			}
		}
	}

	if b.Codegen != nil {
		if err := checkScript(b.Codegen.Run); err != nil {
			errs = append(errs, fmt.Errorf("codegen.run: %w", err))
		}
	}

	seen := make(map[string]int)
	for i, app := range b.Apps {
		if first, ok := seen[app.Name]; ok {
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate app name %q (same as apps[%d])", i, app.Name, first))
		}
		seen[app.Name] = i

		if app.Build != nil {
			if err := checkScript(app.Build.Run); err != nil {
				errs = append(errs, fmt.Errorf("apps[%d].build.run: %w", i, err))
			}
		}
		if app.Test != nil {
			if err := checkScript(app.Test.Run); err != nil {
				errs = append(errs, fmt.Errorf("apps[%d].test.run: %w", i, err))
			}
		}
	}

	return errors.Join(errs...)
}

func checkScript(script string) error {
	if _, err := syntax.NewParser().Parse(strings.NewReader(script), "script"); err != nil {
		return fmt.Errorf("invalid shell syntax: %w", err)
	}
	return nil
}
