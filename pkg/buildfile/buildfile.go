// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// FileName is the project file name looked up from the working directory upwards.
	FileName = "imgraph.cue"

	// OutputDirectory writes the image as an OCI layout directory.
	OutputDirectory OutputMode = "directory"
	// OutputArchive writes the image as a single OCI archive file.
	OutputArchive OutputMode = "archive"

	// RuntimeContainer runs a script inside the dev package image.
	RuntimeContainer RuntimeMode = "container"
	// RuntimeVirtual runs a script on the host through the embedded shell interpreter.
	RuntimeVirtual RuntimeMode = "virtual"

	// DefaultDevPackage is the package used by orchestration-only commands.
	DefaultDevPackage = "dev"
	// DefaultShellWorkdir is where the project is mounted in the dev shell.
	DefaultShellWorkdir = "/work"
)

var (
	// ErrNotFound is returned when no project file exists in the directory tree.
	ErrNotFound = errors.New("project file not found")

	// ErrInvalidOutputMode is the sentinel wrapped by InvalidOutputModeError.
	ErrInvalidOutputMode = errors.New("invalid output mode")

	// ErrUnknownApp is returned when an app name is not declared.
	ErrUnknownApp = errors.New("unknown app")
)

type (
	// OutputMode selects the on-disk shape of a package artifact.
	OutputMode string

	// InvalidOutputModeError is returned when an OutputMode is not recognized.
	InvalidOutputModeError struct {
		Value OutputMode
	}

	// RuntimeMode selects where a script runs.
	RuntimeMode string

	// Buildfile is the decoded project file.
	Buildfile struct {
		// Dev names the package used by shell, codegen and app commands.
		Dev      string    `json:"dev"`
		Packages []Package `json:"packages"`
		Codegen  *Script   `json:"codegen,omitempty"`
		Shell    *Shell    `json:"shell,omitempty"`
		Apps     []App     `json:"apps,omitempty"`

		// Path is the absolute path of the file this was loaded from.
		Path string `json:"-"`
		// Root is the directory containing the project file. Every relative
		// path in the file is resolved against it.
		Root string `json:"-"`
	}

	// Package declares one buildable image.
	Package struct {
		Name          string            `json:"name"`
		Descriptor    string            `json:"descriptor"`
		Context       string            `json:"context,omitempty"`
		Sources       []string          `json:"sources,omitempty"`
		Output        OutputMode        `json:"output"`
		Platform      string            `json:"platform,omitempty"`
		InjectContext bool              `json:"inject_context"`
		DependsOn     []string          `json:"depends_on,omitempty"`
		Default       bool              `json:"default"`
		BuildArgs     map[string]string `json:"build_args,omitempty"`
	}

	// Script is a shell snippet run by an orchestration command.
	Script struct {
		Run     string            `json:"run"`
		Runtime RuntimeMode       `json:"runtime"`
		Env     map[string]string `json:"env,omitempty"`
	}

	// Shell configures the interactive dev shell.
	Shell struct {
		Workdir string   `json:"workdir"`
		Command []string `json:"command"`
	}

	// App is an application whose binaries are built with a feature flag
	// and exercised by an end-to-end test.
	App struct {
		Name    string  `json:"name"`
		Feature string  `json:"feature,omitempty"`
		Build   *Script `json:"build,omitempty"`
		Test    *Script `json:"test,omitempty"`
	}
)

// Error implements the error interface.
func (e *InvalidOutputModeError) Error() string {
	return fmt.Sprintf("invalid output mode %q (valid: directory, archive)", e.Value)
}

// Unwrap returns ErrInvalidOutputMode for errors.Is.
func (e *InvalidOutputModeError) Unwrap() error { return ErrInvalidOutputMode }

// Validate returns an error if the mode is not directory or archive.
func (m OutputMode) Validate() error {
	switch m {
	case OutputDirectory, OutputArchive:
		return nil
	default:
		return &InvalidOutputModeError{Value: m}
	}
}

// String returns the string form of the mode.
func (m OutputMode) String() string { return string(m) }

// Package returns the package named name.
func (b *Buildfile) Package(name string) (*Package, bool) {
	i := slices.IndexFunc(b.Packages, func(p Package) bool { return p.Name == name })
	if i < 0 {
		return nil, false
	}
	return &b.Packages[i], true
}

// DefaultPackages returns the names of the packages built when no target is given.
func (b *Buildfile) DefaultPackages() []string {
	var names []string
	for _, p := range b.Packages {
		if p.Default {
			names = append(names, p.Name)
		}
	}
	return names
}

// App returns the app named name.
func (b *Buildfile) App(name string) (*App, error) {
	for i := range b.Apps {
		if b.Apps[i].Name == name {
			return &b.Apps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownApp, name)
}

// ShellOrDefault returns the shell settings with defaults applied.
func (b *Buildfile) ShellOrDefault() Shell {
	if b.Shell == nil {
		return Shell{Workdir: DefaultShellWorkdir, Command: []string{"/bin/bash"}}
	}
	return *b.Shell
}
