// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/config"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

// newConfigCommand creates the `imgraph config` command tree.
func newConfigCommand(app *App, root *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage imgraph configuration",
		Long: `Manage imgraph configuration.

Values are read, in increasing precedence, from built-in defaults,
` + config.ConfigPath("") + `, .imgraph.cue in the project root,
and the environment (IMGRAPH_<KEY>, REGISTRY, VERSION, NO_CACHE,
SOURCE_DATE_EPOCH).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := config.LoadOptions{ConfigFilePath: root.configFile}
			if path, err := projectFile(root); err == nil {
				opts.ProjectDir = filepath.Dir(path)
			}
			cfg, err := app.Config.Load(cmd.Context(), opts)
			if err != nil {
				return configError{err}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
			fmt.Fprintln(w)
			sources := app.Config.Sources()
			if len(sources) == 0 {
				fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config files"), SubtitleStyle.Render("(using defaults)"))
			}
			for _, s := range sources {
				fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config file"), s)
			}
			fmt.Fprintln(w)

			rows := [][]string{
				{"KEY", "VALUE"},
				{"registry", cfg.Registry},
				{"version", cfg.Version},
				{"no_cache", strconv.FormatBool(cfg.NoCache)},
				{"source_date_epoch", strconv.FormatInt(cfg.SourceDateEpoch, 10)},
				{"platform", cfg.Platform},
				{"out_dir", cfg.OutDir},
				{"workers", workersLabel(cfg.Workers)},
				{"freshness", string(cfg.Freshness)},
				{"tracking", string(cfg.Tracking)},
				{"container_engine", string(cfg.ContainerEngine)},
				{"keep_going", strconv.FormatBool(cfg.KeepGoing)},
				{"ui.color_scheme", string(cfg.UI.ColorScheme)},
				{"ui.verbose", strconv.FormatBool(cfg.UI.Verbose)},
			}
			for i := 1; i < len(rows); i++ {
				rows[i][0] = CmdStyle.Render(rows[i][0])
				rows[i][1] = SuccessStyle.Render(rows[i][1])
			}
			fmt.Fprintln(w, table(rows))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, created, err := config.CreateDefaultConfig("")
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !created {
				fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render("config file already exists:"), path)
				return nil
			}
			fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("created"), path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config.Load(cmd.Context(), config.LoadOptions{ConfigFilePath: root.configFile})
			if err != nil {
				return configError{err}
			}
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateCUE(cfg))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the user configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(""))
			return nil
		},
	})

	return cfgCmd
}

func workersLabel(n int) string {
	if n == 0 {
		return "0 (one per CPU)"
	}
	return strconv.Itoa(n)
}

// projectFile returns --file or the project file found from the working
// directory.
func projectFile(root *rootOptions) (string, error) {
	if root.projectFile != "" {
		return root.projectFile, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return buildfile.Find(wd)
}
