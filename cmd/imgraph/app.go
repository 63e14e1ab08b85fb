// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"io"
	"os"

	"github.com/tkhq/imgraph/internal/builder"
	"github.com/tkhq/imgraph/internal/config"
	"github.com/tkhq/imgraph/internal/container"
)

type (
	// App wires CLI services and shared dependencies. It is the composition
	// root for the CLI layer: every Cobra handler receives an App and opens
	// the project through it.
	App struct {
		Config    config.Provider
		NewEngine EngineFactory
		// Backend replaces the container engine for image builds when set.
		Backend builder.Backend
		stdin   io.Reader
		stdout  io.Writer
		stderr  io.Writer
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config    config.Provider
		NewEngine EngineFactory
		Backend   builder.Backend
		Stdin     io.Reader
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// EngineFactory returns the container engine for the configured
	// preference.
	EngineFactory func(preferred config.ContainerEngine) (container.Engine, error)
)

// NewApp creates an App with defaults for every nil dependency.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:    deps.Config,
		NewEngine: deps.NewEngine,
		Backend:   deps.Backend,
		stdin:     deps.Stdin,
		stdout:    deps.Stdout,
		stderr:    deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.NewEngine == nil {
		app.NewEngine = func(preferred config.ContainerEngine) (container.Engine, error) {
			return container.NewEngine(container.EngineType(preferred))
		}
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}
