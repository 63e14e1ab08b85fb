// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	// EngineTypePodman selects the podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker selects the docker CLI with buildx.
	EngineTypeDocker EngineType = "docker"

	// OutputDirectory writes an OCI image layout directory.
	OutputDirectory OutputType = "directory"
	// OutputArchive writes an OCI image layout tar archive.
	OutputArchive OutputType = "archive"
)

var (
	// ErrEngineNotAvailable is the sentinel wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")

	// ErrInvalidEngineType is the sentinel wrapped by InvalidEngineTypeError.
	ErrInvalidEngineType = errors.New("invalid container engine")
)

type (
	// Engine is the narrow interface the build graph needs from a container
	// engine.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine can be used.
		Available() bool
		// Build builds one image and exports it to opts.Output.
		Build(ctx context.Context, opts BuildOptions) error
		// Load imports an image archive read from opts.Input.
		Load(ctx context.Context, opts LoadOptions) error
		// Run runs a command in a new container.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists reports whether image is present in the local store.
		// A missing image is not an error.
		ImageExists(ctx context.Context, image string) (bool, error)
	}

	// EngineType identifies a container engine.
	EngineType string

	// InvalidEngineTypeError is returned for an unknown EngineType.
	InvalidEngineTypeError struct {
		Value EngineType
	}

	// EngineNotAvailableError is returned when no usable engine binary exists.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}

	// OutputType selects the exported image shape.
	OutputType string

	// Output is the export destination of a build.
	Output struct {
		Type OutputType
		// Dest is a directory for OutputDirectory and a file for OutputArchive.
		Dest string
	}

	// NamedContext is an additional build context available to the build
	// descriptor under Name.
	NamedContext struct {
		Name string
		// Path is an OCI layout directory or archive.
		Path string
	}

	// BuildOptions describe one image build.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the build descriptor, absolute or relative to ContextDir.
		Dockerfile string
		Tag        string
		Platform   string
		Output     Output
		Contexts   []NamedContext
		BuildArgs  map[string]string
		Labels     map[string]string
		NoCache    bool
		// SourceDateEpoch pins timestamps in the produced image.
		SourceDateEpoch int64
		Stdout          io.Writer
		Stderr          io.Writer
	}

	// LoadOptions describe an image import.
	LoadOptions struct {
		Input  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunOptions describe a container run.
	RunOptions struct {
		Image       string
		Command     []string
		WorkDir     string
		Env         map[string]string
		Volumes     []VolumeMount
		User        string
		Remove      bool
		Interactive bool
		TTY         bool
		Stdin       io.Reader
		Stdout      io.Writer
		Stderr      io.Writer
	}

	// RunResult is the outcome of a container run. A non-zero ExitCode is not
	// an error; Error is set only when the engine itself failed.
	RunResult struct {
		ExitCode int
		Error    error
	}
)

// Error implements the error interface.
func (e *InvalidEngineTypeError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman)", e.Value)
}

// Unwrap returns ErrInvalidEngineType for errors.Is.
func (e *InvalidEngineTypeError) Unwrap() error { return ErrInvalidEngineType }

// Validate returns an error if the engine type is not recognized.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeDocker, EngineTypePodman:
		return nil
	default:
		return &InvalidEngineTypeError{Value: t}
	}
}

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine returns the preferred engine, falling back to the other one when
// the preferred engine is not available.
func NewEngine(preferred EngineType) (Engine, error) {
	switch preferred {
	case EngineTypePodman:
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}
	case EngineTypeDocker:
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}
	default:
		return nil, &InvalidEngineTypeError{Value: preferred}
	}
}

// AutoDetectEngine returns the first available engine, docker first.
func AutoDetectEngine() (Engine, error) {
	if e := NewDockerEngine(); e.Available() {
		return e, nil
	}
	if e := NewPodmanEngine(); e.Available() {
		return e, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (docker or podman) is available on this system",
	}
}
