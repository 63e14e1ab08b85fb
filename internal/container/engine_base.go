// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	// SELinuxLabelNone means no SELinux label is applied to volume mounts.
	SELinuxLabelNone SELinuxLabel = ""
	// SELinuxLabelShared allows sharing the volume between containers.
	SELinuxLabelShared SELinuxLabel = "z"
	// SELinuxLabelPrivate restricts the volume to a single container.
	SELinuxLabelPrivate SELinuxLabel = "Z"
)

// ErrInvalidVolumeMount is the sentinel wrapped by InvalidVolumeMountError.
var ErrInvalidVolumeMount = errors.New("invalid volume mount")

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc formats a volume mount for the -v flag.
	VolumeFormatFunc func(mount VolumeMount) string

	// RunArgsTransformer modifies run arguments after they're built.
	// Used by Podman to inject --userns=keep-id for rootless compatibility.
	RunArgsTransformer func(args []string) []string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine holds what docker and podman share: binary resolution,
	// process creation and the flags both CLIs accept.
	BaseCLIEngine struct {
		name               string
		binaryPath         string
		execCommand        ExecCommandFunc
		volumeFormatter    VolumeFormatFunc
		runArgsTransformer RunArgsTransformer
	}

	// SELinuxLabel represents an SELinux volume labeling option.
	SELinuxLabel string

	// VolumeMount represents a bind mount.
	VolumeMount struct {
		HostPath      string
		ContainerPath string
		ReadOnly      bool
		SELinux       SELinuxLabel
	}

	// InvalidVolumeMountError is returned when a VolumeMount is incomplete.
	InvalidVolumeMountError struct {
		Value  VolumeMount
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidVolumeMountError) Error() string {
	return fmt.Sprintf("invalid volume mount %q: %s", FormatVolumeMount(e.Value), e.Reason)
}

// Unwrap returns ErrInvalidVolumeMount for errors.Is.
func (e *InvalidVolumeMountError) Unwrap() error { return ErrInvalidVolumeMount }

// Validate checks that both paths are set and the container path is absolute.
func (v VolumeMount) Validate() error {
	switch {
	case strings.TrimSpace(v.HostPath) == "":
		return &InvalidVolumeMountError{Value: v, Reason: "host path is empty"}
	case !strings.HasPrefix(v.ContainerPath, "/"):
		return &InvalidVolumeMountError{Value: v, Reason: "container path must be absolute"}
	case v.SELinux != SELinuxLabelNone && v.SELinux != SELinuxLabelShared && v.SELinux != SELinuxLabelPrivate:
		return &InvalidVolumeMountError{Value: v, Reason: "unknown SELinux label " + string(v.SELinux)}
	}
	return nil
}

// --- Option Functions ---

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithVolumeFormatter sets a custom volume formatter function.
// This is used by Podman to add SELinux labels on Linux.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.volumeFormatter = fn
	}
}

// WithRunArgsTransformer sets a custom run args transformer.
func WithRunArgsTransformer(fn RunArgsTransformer) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.runArgsTransformer = fn
	}
}

// --- Constructor ---

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:         binaryPath,
		execCommand:        exec.CommandContext,
		volumeFormatter:    FormatVolumeMount,
		runArgsTransformer: func(args []string) []string { return args },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name used in error messages.
func (e *BaseCLIEngine) Name() string {
	return e.name
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// --- Argument Builders ---

// CommonBuildArgs returns the build flags docker buildx and podman share, in
// a stable order: descriptor, tag, platform, cache, build args, labels and
// named contexts. Map-valued options are emitted sorted by key.
func (e *BaseCLIEngine) CommonBuildArgs(opts BuildOptions) []string {
	var args []string

	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) && opts.ContextDir != "" {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}

	if opts.Tag != "" {
		args = append(args, "--tag", opts.Tag)
	}

	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}

	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	buildArgs := maps.Clone(opts.BuildArgs)
	if buildArgs == nil {
		buildArgs = make(map[string]string)
	}
	buildArgs["SOURCE_DATE_EPOCH"] = strconv.FormatInt(opts.SourceDateEpoch, 10)
	for _, k := range slices.Sorted(maps.Keys(buildArgs)) {
		args = append(args, "--build-arg", k+"="+buildArgs[k])
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	contexts := slices.Clone(opts.Contexts)
	slices.SortFunc(contexts, func(a, b NamedContext) int { return strings.Compare(a.Name, b.Name) })
	for _, c := range contexts {
		args = append(args, "--build-context", c.Name+"="+FormatNamedContext(c))
	}

	return args
}

// FormatNamedContext renders the value of a --build-context flag. Layout
// directories use the oci-layout scheme; archives are passed as plain paths.
func FormatNamedContext(c NamedContext) string {
	if strings.HasSuffix(c.Path, ".tar") {
		return c.Path
	}
	return "oci-layout://" + c.Path
}

// RunArgs constructs arguments for a container run command.
//
// Generated command: <binary> run [options] <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}

	if opts.Interactive {
		args = append(args, "-i")
	}

	if opts.TTY {
		args = append(args, "-t")
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	for _, v := range opts.Volumes {
		args = append(args, "-v", e.volumeFormatter(v))
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	return e.runArgsTransformer(args)
}

// --- Command Execution ---

// CreateCommand creates an exec.Cmd for the given arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// imageStatus runs an image query whose exit status answers it: zero means
// present, any other exit code means absent. Failing to run the engine at
// all is an error.
func (e *BaseCLIEngine) imageStatus(ctx context.Context, args ...string) (bool, error) {
	err := e.CreateCommand(ctx, args...).Run()
	if err == nil {
		return true, nil
	}
	if _, ok := ExitCode(err); ok && ctx.Err() == nil {
		return false, nil
	}
	return false, fmt.Errorf("%s %s: %w", e.name, strings.Join(args, " "), err)
}

// runBuildStep runs one build-related command with the build's writers.
func (e *BaseCLIEngine) runBuildStep(ctx context.Context, opts BuildOptions, args []string) error {
	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", e.name, args[0], err)
	}
	return nil
}

// --- Promoted Engine Methods (shared by Docker and Podman) ---

// Load imports an image archive streamed on opts.Input.
func (e *BaseCLIEngine) Load(ctx context.Context, opts LoadOptions) error {
	cmd := e.CreateCommand(ctx, "load")
	cmd.Stdin = opts.Input
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s load: %w", e.name, err)
	}
	return nil
}

// Run runs a command in a container and returns the result.
// A non-zero exit code is captured in RunResult.ExitCode (not returned as error).
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	for _, v := range opts.Volumes {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		if code, ok := ExitCode(err); ok {
			result.ExitCode = code
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result, nil
}

// ExitCode extracts the process exit code from an error returned by a
// command run. Any error in the chain with an ExitCode method qualifies,
// *exec.ExitError included.
func ExitCode(err error) (int, bool) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode(), true
	}
	return 0, false
}

// --- Volume Mount Formatting ---

// FormatVolumeMount formats a volume mount as a string for -v flag.
func FormatVolumeMount(mount VolumeMount) string {
	var result strings.Builder
	result.WriteString(mount.HostPath)
	result.WriteString(":")
	result.WriteString(mount.ContainerPath)

	var options []string
	if mount.ReadOnly {
		options = append(options, "ro")
	}
	if mount.SELinux != "" {
		options = append(options, string(mount.SELinux))
	}

	if len(options) > 0 {
		result.WriteString(":")
		result.WriteString(strings.Join(options, ","))
	}
	return result.String()
}
