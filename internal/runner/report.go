// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"errors"
	"time"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/container"
)

type (
	// Result is the outcome for one package.
	Result struct {
		Package  string
		State    State
		Reason   string
		Err      error
		Duration time.Duration
		Artifact *artifact.Artifact
	}

	// Report summarizes a run. Results are in build order.
	Report struct {
		Results []Result
		// Canceled is set when the run was interrupted.
		Canceled bool
	}
)

// Result returns the outcome of name.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Package == name {
			return res, true
		}
	}
	return Result{}, false
}

// InState returns the names of packages that ended in s.
func (r *Report) InState(s State) []string {
	var out []string
	for _, res := range r.Results {
		if res.State == s {
			out = append(out, res.Package)
		}
	}
	return out
}

// Succeeded reports whether every package ended Fresh or Built.
func (r *Report) Succeeded() bool {
	for _, res := range r.Results {
		if !res.State.Satisfied() {
			return false
		}
	}
	return !r.Canceled
}

// Err joins the errors of every failed package.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.State == Failed && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// ExitCode returns the backend exit code of the first failed package, 1
// when no failure carries one, and 0 on success.
func (r *Report) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	for _, res := range r.Results {
		if res.State != Failed {
			continue
		}
		if code, ok := container.ExitCode(res.Err); ok && code > 0 {
			return code
		}
	}
	return 1
}
