// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/config"
	"github.com/tkhq/imgraph/internal/runner"
)

// buildOptions are the flags of build and of the bare root command. Flags
// the user did not set leave the configured value alone.
type buildOptions struct {
	noCache   bool
	workers   int
	platform  string
	keepGoing bool
	dryRun    bool
}

func (o *buildOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.noCache, "no-cache", false, "build without the engine cache")
	cmd.Flags().IntVarP(&o.workers, "workers", "j", 0, "number of concurrent builds (0 means one per CPU)")
	cmd.Flags().StringVar(&o.platform, "platform", "", "target platform for packages that set none (e.g. linux/arm64)")
	cmd.Flags().BoolVarP(&o.keepGoing, "keep-going", "k", false, "keep building independent packages after a failure")
}

func (o *buildOptions) registerDryRun(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.dryRun, "dry-run", "n", false, "print what would be built without building")
}

// apply returns a config override for the flags set on cmd.
func (o *buildOptions) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("no-cache") {
			cfg.NoCache = o.noCache
		}
		if flags.Changed("workers") {
			cfg.Workers = o.workers
		}
		if flags.Changed("platform") {
			cfg.Platform = o.platform
		}
		if flags.Changed("keep-going") {
			cfg.KeepGoing = o.keepGoing
		}
	}
}

func newBuildCommand(app *App, root *rootOptions) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build [package...]",
		Short: "Build packages that are out of date",
		Long: `Build the named packages, or the default set when none are named.

Dependencies are evaluated first. A package is rebuilt only when its tracked
sources, build descriptor, build settings or a dependency changed since its
last successful build.`,
		Example: `  imgraph build
  imgraph build app1 app2 --keep-going
  imgraph build --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, app, root, opts, args)
		},
		ValidArgsFunction: completePackages(root),
	}
	opts.register(cmd)
	opts.registerDryRun(cmd)
	return cmd
}

func runBuild(cmd *cobra.Command, app *App, root *rootOptions, opts *buildOptions, names []string) error {
	ctx := cmd.Context()
	p, err := app.openProject(ctx, root, opts.apply(cmd))
	if err != nil {
		return err
	}

	if opts.dryRun {
		return printPlan(ctx, cmd.OutOrStdout(), p, names)
	}

	if err := p.requireBackend(); err != nil {
		return err
	}
	session, err := p.session(progressLogger(p.logger))
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := session.Run(ctx, names)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), report, time.Since(start))

	if !report.Succeeded() {
		return &ExitError{Code: report.ExitCode(), Err: report.Err()}
	}
	return nil
}

// progressLogger reports state changes as they happen.
func progressLogger(logger *log.Logger) func(runner.Result) {
	return func(r runner.Result) {
		switch r.State {
		case runner.Building:
			logger.Info("building", "pkg", r.Package)
		case runner.Built:
			logger.Info("built", "pkg", r.Package, "duration", r.Duration.Round(time.Millisecond))
		case runner.Fresh:
			logger.Debug("up to date", "pkg", r.Package)
		case runner.Failed:
			logger.Error("failed", "pkg", r.Package, "err", r.Err)
		case runner.Skipped:
			logger.Warn("skipped", "pkg", r.Package, "reason", r.Reason)
		}
	}
}

func printPlan(ctx context.Context, w io.Writer, p *project, names []string) error {
	session, err := p.session(nil)
	if err != nil {
		return err
	}
	steps, err := session.Plan(ctx, names)
	if err != nil {
		return err
	}

	rows := [][]string{{"PACKAGE", "ACTION", "REASON", "CONTEXTS"}}
	for _, s := range steps {
		action := SuccessStyle.Render("keep")
		if s.Stale {
			action = WarningStyle.Render("build")
		}
		rows = append(rows, []string{CmdStyle.Render(s.Package), action, s.Reason, strings.Join(s.Contexts, ",")})
	}
	fmt.Fprintln(w, table(rows))
	return nil
}

func printSummary(w io.Writer, report *runner.Report, elapsed time.Duration) {
	fmt.Fprintln(w)
	for _, r := range report.Results {
		line := fmt.Sprintf("%s %s %s", stateStyle(r.State).Render(stateSymbol(r.State)), CmdStyle.Render(r.Package), stateStyle(r.State).Render(r.State.String()))
		if r.State == runner.Built {
			line += VerboseStyle.Render(" in " + r.Duration.Round(time.Millisecond).String())
		}
		if r.Reason != "" && r.State != runner.Built {
			line += VerboseStyle.Render(" (" + r.Reason + ")")
		}
		fmt.Fprintln(w, line)
	}

	built := len(report.InState(runner.Built))
	summary := fmt.Sprintf("%d built, %d up to date, %d failed, %d skipped in %s",
		built, len(report.InState(runner.Fresh)), len(report.InState(runner.Failed)), len(report.InState(runner.Skipped)),
		elapsed.Round(time.Millisecond))
	switch {
	case report.Canceled:
		fmt.Fprintln(w, WarningStyle.Render("canceled: ")+summary)
	case report.Succeeded():
		fmt.Fprintln(w, SuccessStyle.Render(summary))
	default:
		fmt.Fprintln(w, ErrorStyle.Render(summary))
	}
}
