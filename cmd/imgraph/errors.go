// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tkhq/imgraph/internal/builder"
	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/internal/freshness"
	"github.com/tkhq/imgraph/internal/graph"
	"github.com/tkhq/imgraph/internal/issue"
	"github.com/tkhq/imgraph/internal/loader"
	"github.com/tkhq/imgraph/internal/script"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

const (
	// ExitFailure is returned for failed builds and scripts without their
	// own exit status.
	ExitFailure = 1
	// ExitConfiguration is returned when the project or configuration is
	// invalid and nothing was built.
	ExitConfiguration = 2
)

type (
	// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
	ExitError struct {
		Code int
		Err  error
	}

	// configError marks failures found before any build started.
	configError struct {
		err error
	}
)

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

func (e configError) Error() string { return e.err.Error() }

func (e configError) Unwrap() error { return e.err }

// classifyError maps an error to the issue catalog entry that explains it
// and to the process exit code.
func classifyError(err error) (issue.Id, int) {
	code := ExitFailure
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		code = exitErr.Code
	}
	var scriptErr *script.ExitError
	if errors.As(err, &scriptErr) && scriptErr.Code > 0 {
		code = scriptErr.Code
	}

	var ce configError
	var gce *graph.ConfigurationError
	isConfig := errors.As(err, &ce) || errors.Is(err, graph.ErrConfiguration)
	if isConfig {
		code = ExitConfiguration
	}

	switch {
	case errors.Is(err, buildfile.ErrNotFound):
		return issue.ProjectFileNotFoundId, code
	case errors.Is(err, container.ErrEngineNotAvailable):
		return issue.ContainerEngineNotFoundId, code
	case errors.As(err, &gce) && gce.Kind == graph.Cycle:
		return issue.DependencyCycleId, code
	case errors.As(err, &gce) && gce.Kind == graph.UnknownPackage:
		return issue.UnknownPackageId, code
	case errors.Is(err, builder.ErrContextMissing):
		return issue.ContextMissingId, code
	case errors.Is(err, freshness.ErrStalenessRead):
		return issue.StalenessReadFailedId, code
	case errors.Is(err, builder.ErrBuild):
		return issue.BuildFailedId, code
	case errors.Is(err, loader.ErrNotBuilt):
		return issue.NotBuiltId, code
	case errors.Is(err, script.ErrRuntimeUnavailable):
		return issue.RuntimeNotAvailableId, code
	case scriptErr != nil:
		return issue.ScriptFailedId, code
	case errors.Is(err, os.ErrPermission):
		return issue.PermissionDeniedId, code
	case isConfig && isProjectFileError(err):
		return issue.ProjectFileInvalidId, code
	case isConfig:
		return issue.ConfigLoadFailedId, code
	}
	return 0, code
}

func isProjectFileError(err error) bool {
	var ae *issue.ActionableError
	return errors.As(err, &ae) && ae.Operation == "load project file" || errors.Is(err, graph.ErrConfiguration)
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// renderError prints err and, in verbose mode, the catalog guide for it.
func renderError(w io.Writer, err error, verbose bool) {
	id, _ := classifyError(err)
	fmt.Fprintf(w, "\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, verbose))

	if !verbose || id == 0 {
		if id != 0 {
			fmt.Fprintln(w, VerboseStyle.Render("Run with --verbose for troubleshooting steps."))
		}
		return
	}
	if entry := issue.Get(id); entry != nil {
		if rendered, renderErr := entry.Render("dark"); renderErr == nil {
			fmt.Fprint(w, rendered)
		}
	}
}
