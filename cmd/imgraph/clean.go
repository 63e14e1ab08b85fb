// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCleanCommand(app *App, root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [package...]",
		Short: "Remove built artifacts and loaded markers",
		Long: `Remove the artifacts of the named packages, or of every declared package
when none are named. The next build rebuilds them from scratch. Images
already imported into the container engine are not touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.openProject(cmd.Context(), root, nil)
			if err != nil {
				return err
			}
			names, err := p.selectOrAll(args)
			if err != nil {
				return err
			}

			var freed int64
			w := cmd.OutOrStdout()
			for _, name := range names {
				a, err := p.store.Get(name)
				if err != nil {
					return err
				}
				if a == nil {
					continue
				}
				if n, err := p.store.DiskUsage(name); err == nil {
					freed += n
				}
				if err := p.store.Remove(name); err != nil {
					return err
				}
				p.logger.Debug("removed artifact", "pkg", name)
				fmt.Fprintf(w, "%s %s\n", WarningStyle.Render("removed"), CmdStyle.Render(name))
			}
			fmt.Fprintln(w, SubtitleStyle.Render("freed "+humanize.Bytes(uint64(freed))))
			return nil
		},
		ValidArgsFunction: completePackages(root),
	}
}
