// SPDX-License-Identifier: MPL-2.0

// Package container drives the docker and podman command line tools.
//
// The engines build images into OCI layouts on disk, import archives into the
// local image store and run commands in containers. All process creation goes
// through an injectable ExecCommandFunc so argument construction can be
// tested without a container engine.
package container
