// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os/exec"
)

// DockerEngine implements the Engine interface using the Docker CLI and
// buildx. It embeds BaseCLIEngine for common CLI operations.
type DockerEngine struct {
	*BaseCLIEngine
}

// NewDockerEngine creates a new Docker engine.
func NewDockerEngine(opts ...BaseCLIEngineOption) *DockerEngine {
	path, _ := exec.LookPath("docker")
	allOpts := append([]BaseCLIEngineOption{WithName(string(EngineTypeDocker))}, opts...)
	return &DockerEngine{
		BaseCLIEngine: NewBaseCLIEngine(path, allOpts...),
	}
}

// Available checks if Docker is available.
func (e *DockerEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	cmd := e.CreateCommand(context.Background(), "version", "--format", "{{.Server.Version}}")
	return cmd.Run() == nil
}

// BuildArgs constructs the buildx arguments for opts.
//
// Generated command: docker buildx build [options] --output type=oci,... <context>
func (e *DockerEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"buildx", "build"}
	args = append(args, e.CommonBuildArgs(opts)...)
	args = append(args, "--output", dockerOutput(opts.Output))
	args = append(args, opts.ContextDir)
	return args
}

func dockerOutput(out Output) string {
	spec := "type=oci,dest=" + out.Dest
	if out.Type != OutputArchive {
		spec += ",tar=false"
	}
	return spec + ",rewrite-timestamp=true"
}

// Build builds the image and exports it as an OCI layout.
func (e *DockerEngine) Build(ctx context.Context, opts BuildOptions) error {
	return e.runBuildStep(ctx, opts, e.BuildArgs(opts))
}

// ImageExists reports whether image is in the local image store.
func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.imageStatus(ctx, "image", "inspect", image)
}
