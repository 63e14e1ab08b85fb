// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/watch"
)

func newWatchCommand(app *App, root *rootOptions) *cobra.Command {
	opts := &buildOptions{}
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch [package...]",
		Short: "Rebuild packages whenever project files change",
		Long: `Build the named packages (or the default set), then watch the project tree
and build again after every batch of changes. The project file is re-read
before each build. Stop with Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.openProject(ctx, root, opts.apply(cmd))
			if err != nil {
				return err
			}
			if err := p.requireBackend(); err != nil {
				return err
			}

			rebuild := func(ctx context.Context, changed []string) error {
				if len(changed) > 0 {
					p.logger.Info("change detected", "files", len(changed), "first", changed[0])
				}
				current, err := app.openProject(ctx, root, opts.apply(cmd))
				if err != nil {
					return err
				}
				session, err := current.session(progressLogger(current.logger))
				if err != nil {
					return err
				}
				start := time.Now()
				report, err := session.Run(ctx, args)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), report, time.Since(start))
				return nil
			}

			if err := rebuild(ctx, nil); err != nil {
				renderError(cmd.ErrOrStderr(), err, root.verbose)
			}

			var ignore []string
			if rel, err := filepath.Rel(p.file.Root, p.store.Dir()); err == nil {
				rel = filepath.ToSlash(rel)
				ignore = append(ignore, rel, rel+"/**")
			}
			w, err := watch.New(watch.Options{
				Root:     p.file.Root,
				Ignore:   ignore,
				Debounce: debounce,
				OnChange: rebuild,
				Logger:   p.logger,
			})
			if err != nil {
				return err
			}
			p.logger.Info("watching for changes", "root", p.file.Root)
			return w.Run(ctx)
		},
		ValidArgsFunction: completePackages(root),
	}
	opts.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before rebuilding")
	return cmd
}
