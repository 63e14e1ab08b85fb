// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/container"
)

func newContextCommand(app *App, root *rootOptions) *cobra.Command {
	var flags bool
	cmd := &cobra.Command{
		Use:   "context <package>",
		Short: "Show the named build contexts a package would receive now",
		Long: `Show the sibling packages that would be passed to the build of a package
if it were built now. Base packages receive none; other packages receive
every built sibling that is not a base package.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.openProject(cmd.Context(), root, nil)
			if err != nil {
				return err
			}
			pkg, err := p.requirePackage(args[0])
			if err != nil {
				return err
			}
			bctx, err := p.resolver.Resolve(pkg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(bctx) == 0 && !flags {
				fmt.Fprintln(w, SubtitleStyle.Render("(no contexts)"))
				return nil
			}
			for _, name := range bctx.Names() {
				nc := container.NamedContext{Name: name, Path: bctx[name]}
				if flags {
					fmt.Fprintf(w, "--build-context %s=%s\n", name, container.FormatNamedContext(nc))
					continue
				}
				fmt.Fprintf(w, "%s %s\n", CmdStyle.Render(name), bctx[name])
			}
			return nil
		},
		ValidArgsFunction: completePackages(root),
	}
	cmd.Flags().BoolVar(&flags, "flags", false, "print the contexts as build flags")
	return cmd
}
