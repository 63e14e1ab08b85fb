// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCommand(app *App, root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [package...]",
		Short: "Show whether each package is up to date",
		Long: `Show every package (or the named ones) with the decision a build would
make right now, when it was last built, its size on disk and whether it is
loaded into the local image store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.openProject(ctx, root, nil)
			if err != nil {
				return err
			}
			names, err := p.selectOrAll(args)
			if err != nil {
				return err
			}
			session, err := p.session(nil)
			if err != nil {
				return err
			}
			steps, err := session.Plan(ctx, names)
			if err != nil {
				return err
			}

			rows := [][]string{{"PACKAGE", "STATUS", "BUILT", "SIZE", "LOADED", "REASON"}}
			for _, s := range steps {
				a, err := p.store.Get(s.Package)
				if err != nil {
					return err
				}

				status := SuccessStyle.Render("fresh")
				switch {
				case a == nil:
					status = SubtitleStyle.Render("not built")
				case s.Stale:
					status = WarningStyle.Render("stale")
				}

				built, size, loaded := "-", "-", "-"
				if a != nil {
					built = humanize.Time(a.ModTime)
					if n, err := p.store.DiskUsage(s.Package); err == nil {
						size = humanize.Bytes(uint64(n))
					}
					loaded = "no"
					if p.store.Loaded(s.Package) {
						loaded = "yes"
					}
				}
				rows = append(rows, []string{CmdStyle.Render(s.Package), status, built, size, loaded, VerboseStyle.Render(s.Reason)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), table(rows))
			return nil
		},
		ValidArgsFunction: completePackages(root),
	}
}
