// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// PodmanEngine implements the Engine interface using the Podman CLI.
// Podman cannot export OCI layouts from build directly, so Build runs
// "podman build" followed by "podman save".
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a new Podman engine.
// On Linux with SELinux enabled, volume mounts are automatically labeled with :z.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")

	allOpts := append([]BaseCLIEngineOption{
		WithName(string(EngineTypePodman)),
		WithVolumeFormatter(addSELinuxLabel(isSELinuxEnabled)),
		WithRunArgsTransformer(keepUserNamespace),
	}, opts...)

	return &PodmanEngine{
		BaseCLIEngine: NewBaseCLIEngine(path, allOpts...),
	}
}

// Available checks if Podman is available.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	cmd := e.CreateCommand(context.Background(), "version", "--format", "{{.Version}}")
	return cmd.Run() == nil
}

// BuildArgs constructs the podman build arguments for opts.
//
// Generated command: podman build [options] --source-date-epoch N --rewrite-timestamp <context>
func (e *PodmanEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}
	args = append(args, e.CommonBuildArgs(opts)...)
	args = append(args,
		"--source-date-epoch", strconv.FormatInt(opts.SourceDateEpoch, 10),
		"--rewrite-timestamp",
		opts.ContextDir,
	)
	return args
}

// SaveArgs constructs the podman save arguments exporting opts.Tag.
//
// Generated command: podman save --format oci-dir|oci-archive -o <dest> <tag>
func (e *PodmanEngine) SaveArgs(opts BuildOptions) []string {
	format := "oci-dir"
	if opts.Output.Type == OutputArchive {
		format = "oci-archive"
	}
	return []string{"save", "--format", format, "-o", opts.Output.Dest, opts.Tag}
}

// Build builds the image and saves it as an OCI layout.
func (e *PodmanEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := e.runBuildStep(ctx, opts, e.BuildArgs(opts)); err != nil {
		return err
	}
	return e.runBuildStep(ctx, opts, e.SaveArgs(opts))
}

// ImageExists reports whether image is in the local image store.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.imageStatus(ctx, "image", "exists", image)
}

// isSELinuxEnabled checks if SELinux is enforcing on the system.
func isSELinuxEnabled() bool {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// addSELinuxLabel returns a volume formatter that adds the :z label when
// SELinux is enabled and the mount has no label of its own.
func addSELinuxLabel(enabled func() bool) VolumeFormatFunc {
	return func(mount VolumeMount) string {
		if mount.SELinux == SELinuxLabelNone && enabled() {
			mount.SELinux = SELinuxLabelShared
		}
		return FormatVolumeMount(mount)
	}
}

// keepUserNamespace maps the invoking user into rootless containers so files
// written to bind mounts keep their owner.
func keepUserNamespace(args []string) []string {
	if len(args) == 0 || args[0] != "run" || slices.Contains(args, "--userns=keep-id") {
		return args
	}
	return slices.Insert(args, 1, "--userns=keep-id")
}
