// SPDX-License-Identifier: MPL-2.0

// Package script runs project scripts (code generation, app build and test)
// either inside the dev image or on the host through an embedded shell.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// ErrRuntimeUnavailable is returned when a script needs a runtime that was
// not configured.
var ErrRuntimeUnavailable = errors.New("script runtime unavailable")

type (
	// Request describes one script execution.
	Request struct {
		// Name labels the script in errors, e.g. "codegen".
		Name   string
		Script buildfile.Script
		// Env is merged over the script's own env.
		Env map[string]string
		// Dir is the project root. Container runs mount it at the workdir.
		Dir    string
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// Result is the outcome of a script.
	Result struct {
		ExitCode int
		Error    error
	}

	// Runtime executes scripts.
	Runtime interface {
		Name() string
		Run(ctx context.Context, req Request) *Result
	}

	// ContainerRunner is the part of a container engine ContainerRuntime needs.
	ContainerRunner interface {
		Run(ctx context.Context, opts container.RunOptions) (*container.RunResult, error)
	}

	// VirtualRuntime runs scripts on the host with mvdan/sh.
	VirtualRuntime struct{}

	// ContainerRuntime runs scripts inside an image with the project mounted.
	ContainerRuntime struct {
		Engine  ContainerRunner
		Image   string
		Workdir string
		// User is passed as --user, typically "uid:gid" of the caller.
		User string
	}

	// Dispatcher picks the runtime a script asks for.
	Dispatcher struct {
		Virtual   Runtime
		Container Runtime
	}
)

// Succeeded reports whether the script exited 0 without error.
func (r *Result) Succeeded() bool { return r.ExitCode == 0 && r.Error == nil }

// Err converts the result into an error, or nil on success.
func (r *Result) Err(name string) error {
	switch {
	case r.Error != nil:
		return fmt.Errorf("%s: %w", name, r.Error)
	case r.ExitCode != 0:
		return &ExitError{Name: name, Code: r.ExitCode}
	default:
		return nil
	}
}

// ExitError reports a script that exited non-zero.
type ExitError struct {
	Name string
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string { return fmt.Sprintf("%s exited with status %d", e.Name, e.Code) }

// ExitCode returns the script exit status.
func (e *ExitError) ExitCode() int { return e.Code }

// Validate parses a script without running it.
func Validate(script string) error {
	if _, err := syntax.NewParser().Parse(strings.NewReader(script), "script"); err != nil {
		return fmt.Errorf("script syntax error: %w", err)
	}
	return nil
}

// Environ merges the script env and the request env, request values winning,
// as sorted KEY=VALUE pairs.
func (req Request) Environ() []string {
	env := maps.Clone(req.Script.Env)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, req.Env)
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Run dispatches req to the runtime its script selects.
func (d Dispatcher) Run(ctx context.Context, req Request) *Result {
	rt := d.Container
	if req.Script.Runtime == buildfile.RuntimeVirtual {
		rt = d.Virtual
	}
	if rt == nil {
		return &Result{ExitCode: 1, Error: fmt.Errorf("%w: %s", ErrRuntimeUnavailable, req.Script.Runtime)}
	}
	return rt.Run(ctx, req)
}

// Name returns "virtual".
func (VirtualRuntime) Name() string { return string(buildfile.RuntimeVirtual) }

// Run executes the script in-process. The host environment is inherited.
func (VirtualRuntime) Run(ctx context.Context, req Request) *Result {
	prog, err := syntax.NewParser().Parse(strings.NewReader(req.Script.Run), req.Name)
	if err != nil {
		return &Result{ExitCode: 1, Error: fmt.Errorf("failed to parse script: %w", err)}
	}

	env := append(os.Environ(), req.Environ()...)
	runner, err := interp.New(
		interp.Dir(req.Dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(req.Stdin, req.Stdout, req.Stderr),
	)
	if err != nil {
		return &Result{ExitCode: 1, Error: fmt.Errorf("failed to create interpreter: %w", err)}
	}

	if err := runner.Run(ctx, prog); err != nil {
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			return &Result{ExitCode: int(exitStatus)}
		}
		return &Result{ExitCode: 1, Error: fmt.Errorf("script execution failed: %w", err)}
	}
	return &Result{}
}

// Name returns "container".
func (r *ContainerRuntime) Name() string { return string(buildfile.RuntimeContainer) }

// RunOptions returns the container run options for req.
func (r *ContainerRuntime) RunOptions(req Request) container.RunOptions {
	workdir := r.Workdir
	if workdir == "" {
		workdir = buildfile.DefaultShellWorkdir
	}
	env := make(map[string]string)
	for _, kv := range req.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return container.RunOptions{
		Image:       r.Image,
		Command:     []string{"/bin/sh", "-c", req.Script.Run},
		WorkDir:     workdir,
		Env:         env,
		Volumes:     []container.VolumeMount{{HostPath: req.Dir, ContainerPath: workdir}},
		User:        r.User,
		Remove:      true,
		Interactive: req.Stdin != nil,
		Stdin:       req.Stdin,
		Stdout:      req.Stdout,
		Stderr:      req.Stderr,
	}
}

// Run executes the script inside the image.
func (r *ContainerRuntime) Run(ctx context.Context, req Request) *Result {
	if r.Engine == nil {
		return &Result{ExitCode: 1, Error: fmt.Errorf("%w: no container engine", ErrRuntimeUnavailable)}
	}
	res, err := r.Engine.Run(ctx, r.RunOptions(req))
	if err != nil {
		return &Result{ExitCode: 1, Error: err}
	}
	return &Result{ExitCode: res.ExitCode, Error: res.Error}
}
