// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// checkTestcontainersAvailable safely checks if testcontainers can be used.
// Returns true if containers are available, false otherwise.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// TestEngine_Integration builds a real image into an OCI layout.
// It requires Docker or Podman to be available.
func TestEngine_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, err := AutoDetectEngine()
	if err != nil {
		t.Skipf("skipping container integration tests: no container engine available: %v", err)
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping container integration tests: testcontainers provider not available")
	}

	t.Run("BuildDirectoryLayout", func(t *testing.T) {
		testBuildOutput(t, engine, OutputDirectory)
	})
	t.Run("BuildArchive", func(t *testing.T) {
		testBuildOutput(t, engine, OutputArchive)
	})
}

func testBuildOutput(t *testing.T, engine Engine, kind OutputType) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "Containerfile"), []byte("FROM scratch\nCOPY hello.txt /hello.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "hello")
	manifest := filepath.Join(out, "index.json")
	if kind == OutputArchive {
		if err := os.MkdirAll(out, 0o755); err != nil {
			t.Fatal(err)
		}
		out = filepath.Join(out, "image.tar")
		manifest = out
	}

	var stderr bytes.Buffer
	err := engine.Build(ctx, BuildOptions{
		ContextDir: src,
		Dockerfile: "Containerfile",
		Tag:        "imgraph-test/hello",
		Platform:   "linux/amd64",
		Output:     Output{Type: kind, Dest: out},
		Stderr:     &stderr,
	})
	if err != nil {
		t.Fatalf("Build() error = %v\n%s", err, stderr.String())
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("expected %s after build: %v", manifest, err)
	}
}
