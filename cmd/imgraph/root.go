// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for imgraph.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	verbose     bool
	configFile  string
	projectFile string
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	opts := &rootOptions{}
	build := &buildOptions{}

	rootCmd := &cobra.Command{
		Use:   "imgraph",
		Short: "Incremental container image builds over a package graph",
		Long: TitleStyle.Render("imgraph") + SubtitleStyle.Render(" - incremental container image builds over a package graph") + `

imgraph builds the container images of a project in dependency order and
skips every image whose tracked inputs have not changed. Images are written
to an OCI layout under out/ and handed to dependent builds as named contexts.

Packages are declared in 'imgraph.cue' at the project root.

` + SubtitleStyle.Render("Examples:") + `
  imgraph                   Build the default package set
  imgraph build app1        Build app1 and whatever it depends on
  imgraph build --dry-run   Show what would be rebuilt and why
  imgraph status            Show the freshness of every package
  imgraph watch app1        Rebuild app1 as its sources change
  imgraph shell             Open a shell in the dev image`,
		Args: cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if opts.verbose {
				level = log.DebugLevel
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(log.WithContext(ctx, newLogger(app.stderr, level)))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, app, opts, build, nil)
		},
	}

	rootCmd.SetIn(app.stdin)
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/imgraph/config.cue)")
	rootCmd.PersistentFlags().StringVarP(&opts.projectFile, "file", "f", "", "project file (default is imgraph.cue in the current or a parent directory)")
	build.register(rootCmd)
	build.registerDryRun(rootCmd)

	rootCmd.AddCommand(
		newBuildCommand(app, opts),
		newStatusCommand(app, opts),
		newGraphCommand(app, opts),
		newContextCommand(app, opts),
		newLoadCommand(app, opts),
		newShellCommand(app, opts),
		newCodegenCommand(app, opts),
		newAppCommand(app, opts),
		newWatchCommand(app, opts),
		newCleanCommand(app, opts),
		newConfigCommand(app, opts),
	)

	return rootCmd
}

func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Prefix:          "imgraph",
		Level:           level,
		ReportTimestamp: level == log.DebugLevel,
	})
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits with the code classifyError assigns.
// This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	rootCmd := NewRootCommand(app)

	// fang overrides rootCmd.Version, so the version is passed explicitly.
	err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
			renderError(w, err, verbose)
		}),
	)
	if err != nil {
		_, code := classifyError(err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Code > 0 {
			code = exitErr.Code
		}
		os.Exit(code)
	}
}
