// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/internal/script"
	"github.com/tkhq/imgraph/pkg/buildfile"
)

func newShellCommand(app *App, root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell [command...]",
		Short: "Open an interactive shell in the dev image",
		Long: `Build and load the dev package when needed, then start a container from it
with the project mounted at the shell workdir (/work by default), running as
the invoking user. Extra arguments replace the configured shell command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.openProject(ctx, root, nil)
			if err != nil {
				return err
			}
			if err := p.ensureDev(ctx); err != nil {
				return err
			}
			engine, err := p.containerEngine()
			if err != nil {
				return err
			}

			shell := p.file.ShellOrDefault()
			command := shell.Command
			if len(args) > 0 {
				command = args
			}
			res, err := engine.Run(ctx, container.RunOptions{
				Image:       p.tag(p.file.Dev),
				Command:     command,
				WorkDir:     shell.Workdir,
				Volumes:     []container.VolumeMount{{HostPath: p.file.Root, ContainerPath: shell.Workdir}},
				User:        currentUser(),
				Remove:      true,
				Interactive: true,
				TTY:         isTerminal(app.stdin),
				Stdin:       app.stdin,
				Stdout:      app.stdout,
				Stderr:      app.stderr,
			})
			if err != nil {
				return err
			}
			if res.Error != nil {
				return res.Error
			}
			if res.ExitCode != 0 {
				return &ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}
}

func newCodegenCommand(app *App, root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "codegen",
		Short: "Run the project's code generation script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := app.openProject(ctx, root, nil)
			if err != nil {
				return err
			}
			if p.file.Codegen == nil {
				return fmt.Errorf("no codegen script declared in %s", p.file.Path)
			}
			return p.runScript(ctx, "codegen", *p.file.Codegen, nil)
		},
	}
}

func newAppCommand(app *App, root *rootOptions) *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Build or test an application",
		Long: `Run the build or test script of an application declared under 'apps' in the
project file. Scripts see APP and FEATURE in their environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	for _, action := range []string{"build", "test"} {
		appCmd.AddCommand(&cobra.Command{
			Use:   action + " <app>",
			Short: "Run the " + action + " script of an application",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				p, err := app.openProject(ctx, root, nil)
				if err != nil {
					return err
				}
				a, err := p.file.App(args[0])
				if err != nil {
					return err
				}
				s := a.Build
				if action == "test" {
					s = a.Test
				}
				if s == nil {
					return fmt.Errorf("app %s declares no %s script", a.Name, action)
				}
				env := map[string]string{"APP": a.Name, "FEATURE": a.Feature}
				return p.runScript(ctx, "app "+action+" "+a.Name, *s, env)
			},
		})
	}
	return appCmd
}

// ensureDev builds and loads the dev package.
func (p *project) ensureDev(ctx context.Context) error {
	if _, err := p.requirePackage(p.file.Dev); err != nil {
		return err
	}
	if err := p.ensureBuilt(ctx, p.file.Dev); err != nil {
		return err
	}
	_, err := p.load(ctx, p.file.Dev, false)
	return err
}

// runScript runs s in the runtime it selects. Container scripts need the dev
// image, which is built and loaded first.
func (p *project) runScript(ctx context.Context, name string, s buildfile.Script, env map[string]string) error {
	d := script.Dispatcher{Virtual: script.VirtualRuntime{}}
	if s.Runtime != buildfile.RuntimeVirtual {
		if err := p.ensureDev(ctx); err != nil {
			return err
		}
		engine, err := p.containerEngine()
		if err != nil {
			return err
		}
		d.Container = &script.ContainerRuntime{
			Engine:  engine,
			Image:   p.tag(p.file.Dev),
			Workdir: p.file.ShellOrDefault().Workdir,
			User:    currentUser(),
		}
	}

	p.logger.Info("running script", "script", name, "runtime", s.Runtime)
	res := d.Run(ctx, script.Request{
		Name:   name,
		Script: s,
		Env:    env,
		Dir:    p.file.Root,
		Stdout: p.app.stdout,
		Stderr: p.app.stderr,
	})
	return res.Err(name)
}

// currentUser returns "uid:gid" of the caller, or "" where ids are not
// meaningful.
func currentUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}

func isTerminal(r any) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
