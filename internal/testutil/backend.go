// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/tkhq/imgraph/internal/container"
)

type (
	// FakeBackend stands in for a container engine. A successful Build
	// writes an OCI index for the package so the artifact store sees it as
	// built.
	FakeBackend struct {
		mu        sync.Mutex
		calls     []container.BuildOptions
		failures  map[string]FakeFailure
		manifests map[string]string
		gates     map[string]chan struct{}
		active    int
		maxActive int
	}

	// FakeFailure describes how a fake build fails.
	FakeFailure struct {
		ExitCode int
		Stderr   string
	}

	// ExitError is returned by failing fake builds.
	ExitError struct {
		Code int
	}
)

// Error implements the error interface.
func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the simulated process exit code.
func (e *ExitError) ExitCode() int { return e.Code }

// NewFakeBackend returns a backend whose builds all succeed.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		failures:  make(map[string]FakeFailure),
		manifests: make(map[string]string),
		gates:     make(map[string]chan struct{}),
	}
}

// Name returns "fake".
func (f *FakeBackend) Name() string { return "fake" }

// Fail makes every later build of name fail.
func (f *FakeBackend) Fail(name string, failure FakeFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = failure
}

// Succeed clears a failure set with Fail.
func (f *FakeBackend) Succeed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, name)
}

// SetManifest overrides the index.json content written for name.
func (f *FakeBackend) SetManifest(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[name] = content
}

// Block makes builds of name wait until the returned release function is
// called or the build context ends.
func (f *FakeBackend) Block(name string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Build records opts and materializes a manifest at the requested output.
func (f *FakeBackend) Build(ctx context.Context, opts container.BuildOptions) error {
	name := path.Base(opts.Tag)

	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	gate := f.gates[name]
	failure, failing := f.failures[name]
	manifest, ok := f.manifests[name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if failing {
		if opts.Stderr != nil && failure.Stderr != "" {
			fmt.Fprintln(opts.Stderr, failure.Stderr)
		}
		code := failure.ExitCode
		if code == 0 {
			code = 1
		}
		return &ExitError{Code: code}
	}

	if !ok {
		manifest = fmt.Sprintf(`{"schemaVersion":2,"manifests":[],"annotations":{"org.opencontainers.image.title":%q}}`, name)
	}
	if opts.Stdout != nil {
		fmt.Fprintf(opts.Stdout, "built %s\n", opts.Tag)
	}

	switch opts.Output.Type {
	case container.OutputArchive:
		return writeArchive(opts.Output.Dest, manifest)
	default:
		if err := os.MkdirAll(opts.Output.Dest, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(opts.Output.Dest, "oci-layout"), []byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(opts.Output.Dest, "index.json"), []byte(manifest), 0o644)
	}
}

func writeArchive(dest, manifest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer file.Close()

	tw := tar.NewWriter(file)
	for _, entry := range []struct{ name, body string }{
		{"oci-layout", `{"imageLayoutVersion":"1.0.0"}`},
		{"index.json", manifest},
	} {
		if err := tw.WriteHeader(&tar.Header{Name: entry.name, Mode: 0o644, Size: int64(len(entry.body))}); err != nil {
			return err
		}
		if _, err := io.WriteString(tw, entry.body); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return file.Close()
}

// Calls returns every build request in the order received.
func (f *FakeBackend) Calls() []container.BuildOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.BuildOptions, len(f.calls))
	copy(out, f.calls)
	return out
}

// Built returns the package names of every build request in order,
// including failed ones.
func (f *FakeBackend) Built() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, path.Base(c.Tag))
	}
	return out
}

// CallsFor returns the build requests for one package.
func (f *FakeBackend) CallsFor(name string) []container.BuildOptions {
	var out []container.BuildOptions
	for _, c := range f.Calls() {
		if path.Base(c.Tag) == name {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *FakeBackend) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.maxActive = f.active
}

// MaxConcurrent returns the highest number of builds observed in flight.
func (f *FakeBackend) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}
