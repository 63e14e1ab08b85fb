// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/pkg/buildfile"
)

// completePackages completes declared package names. Errors disable
// completion rather than printing anything.
func completePackages(root *rootOptions) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		path, err := projectFile(root)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		file, err := buildfile.Load(path)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		var names []string
		for _, p := range file.Packages {
			if strings.HasPrefix(p.Name, toComplete) && !slices.Contains(args, p.Name) {
				names = append(names, p.Name)
			}
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	}
}
