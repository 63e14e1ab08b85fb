// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/graph"
)

func newGraphCommand(app *App, root *rootOptions) *cobra.Command {
	var dot bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the build order and the edges between packages",
		Long: `Show packages in build order with their hard dependencies and the
ordering-only edges between context-injecting packages.

With --dot the graph is printed in Graphviz format: hard edges are solid,
inject edges are dashed and base packages are boxes.`,
		Example: `  imgraph graph
  imgraph graph --dot | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.openProject(cmd.Context(), root, nil)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if dot {
				return p.graph.WriteDOT(w)
			}

			rows := [][]string{{"#", "PACKAGE", "KIND", "DEPENDS ON", "AFTER", "DEFAULT"}}
			for i, pkg := range p.graph.All() {
				kind := "inject"
				if pkg.IsBase() {
					kind = "base"
				}
				deflt := "no"
				if pkg.Default {
					deflt = "yes"
				}
				rows = append(rows, []string{
					fmt.Sprint(i + 1),
					CmdStyle.Render(pkg.Name),
					kind,
					joinNames(p.graph.Dependencies(pkg.Name)),
					joinNames(p.graph.InjectPredecessors(pkg.Name)),
					deflt,
				})
			}
			fmt.Fprintln(w, table(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")
	return cmd
}

func joinNames(pkgs []*graph.Package) string {
	if len(pkgs) == 0 {
		return "-"
	}
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.Name
	}
	return strings.Join(names, ",")
}
