// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/loader"
)

func newLoadCommand(app *App, root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "load <package>...",
		Short: "Build packages if needed and import them into the local image store",
		Long: `Build each package when it is out of date, then import its image into
the container engine's local store so it can be run by tag. A package whose
image was already imported since its last build is left alone.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.openProject(ctx, root, nil)
			if err != nil {
				return err
			}
			for _, name := range args {
				if _, err := p.requirePackage(name); err != nil {
					return err
				}
			}
			if err := p.ensureBuilt(ctx, args...); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, name := range args {
				loaded, err := p.load(ctx, name, force)
				if err != nil {
					return err
				}
				if loaded {
					fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("loaded"), CmdStyle.Render(p.tag(name)))
				} else {
					fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render("already loaded"), CmdStyle.Render(p.tag(name)))
				}
			}
			return nil
		},
		ValidArgsFunction: completePackages(root),
	}
	cmd.Flags().BoolVar(&force, "force", false, "import even when the loaded marker is current")
	return cmd
}

// load imports one built package through the configured engine.
func (p *project) load(ctx context.Context, name string, force bool) (bool, error) {
	engine, err := p.containerEngine()
	if err != nil {
		return false, err
	}
	l := loader.New(p.store, engine, loader.WithOutput(p.app.stderr, p.app.stderr), loader.WithTag(p.tag))
	loaded, err := l.Load(ctx, name, force)
	if err != nil {
		return false, err
	}
	if loaded {
		p.logger.Info("loaded", "pkg", name, "tag", p.tag(name))
	}
	return loaded, nil
}

func (p *project) tag(name string) string {
	return p.oracle.Tag(name)
}
