// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkhq/imgraph/internal/container"
)

func TestWriteFileAndTouch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := WriteFile(t, root, "a/b/c.txt", "hello")
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadFile() = %q, %v", data, err)
	}

	Touch(t, root, "a/b/c.txt", time.Hour)
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().After(time.Now()) {
		t.Errorf("ModTime() = %v, want in the future", info.ModTime())
	}
}

func TestFakeBackend_Directory(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "base")
	f := NewFakeBackend()
	var stdout bytes.Buffer
	err := f.Build(context.Background(), container.BuildOptions{
		Tag:    "local/base",
		Output: container.Output{Type: container.OutputDirectory, Dest: dest},
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "index.json")); err != nil {
		t.Errorf("index.json not written: %v", err)
	}
	if got := f.Built(); len(got) != 1 || got[0] != "base" {
		t.Errorf("Built() = %v", got)
	}
}

func TestFakeBackend_Failure(t *testing.T) {
	t.Parallel()

	f := NewFakeBackend()
	f.Fail("app", FakeFailure{ExitCode: 17, Stderr: "boom"})

	var stderr bytes.Buffer
	err := f.Build(context.Background(), container.BuildOptions{
		Tag:    "local/app",
		Output: container.Output{Type: container.OutputDirectory, Dest: t.TempDir()},
		Stderr: &stderr,
	})
	if code, ok := container.ExitCode(err); !ok || code != 17 {
		t.Errorf("ExitCode() = %d, %v", code, ok)
	}
	if stderr.String() != "boom\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestFakeBackend_BlockHonorsContext(t *testing.T) {
	t.Parallel()

	f := NewFakeBackend()
	release := f.Block("slow")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Build(ctx, container.BuildOptions{
		Tag:    "local/slow",
		Output: container.Output{Type: container.OutputDirectory, Dest: t.TempDir()},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Build() error = %v, want deadline exceeded", err)
	}
}
