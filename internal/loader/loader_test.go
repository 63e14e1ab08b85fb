// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tkhq/imgraph/internal/artifact"
	"github.com/tkhq/imgraph/internal/container"
	"github.com/tkhq/imgraph/internal/testutil"
)

type recordingEngine struct {
	loads   [][]byte
	err     error
	images  map[string]bool
	lookups []string
}

func (e *recordingEngine) ImageExists(_ context.Context, image string) (bool, error) {
	e.lookups = append(e.lookups, image)
	return e.images[image], nil
}

func (e *recordingEngine) Load(_ context.Context, opts container.LoadOptions) error {
	data, err := io.ReadAll(opts.Input)
	if err != nil {
		return err
	}
	e.loads = append(e.loads, data)
	return e.err
}

func built(t *testing.T) *artifact.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "out")
	store, err := artifact.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, dir, "dev/oci-layout", `{"imageLayoutVersion":"1.0.0"}`)
	testutil.WriteFile(t, dir, "dev/blobs/sha256/abc", "layer")
	testutil.WriteFile(t, dir, "dev/index.json", `{"schemaVersion":2,"manifests":[]}`)
	if _, err := store.Put("dev", artifact.Record{Fingerprint: "sha256:1"}); err != nil {
		t.Fatal(err)
	}
	return store
}

func entries(t *testing.T, data []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	slices.Sort(names)
	return names
}

func TestLoad_Directory(t *testing.T) {
	t.Parallel()

	store := built(t)
	engine := &recordingEngine{}
	l := New(store, engine)

	ran, err := l.Load(context.Background(), "dev", false)
	if err != nil || !ran {
		t.Fatalf("Load() = %v, %v", ran, err)
	}
	want := []string{"blobs/", "blobs/sha256/", "blobs/sha256/abc", "index.json", "oci-layout"}
	if diff := cmp.Diff(want, entries(t, engine.loads[0])); diff != "" {
		t.Errorf("tar entries mismatch (-want +got):\n%s", diff)
	}
	if !store.Loaded("dev") {
		t.Error("loaded marker not written")
	}

	ran, err = l.Load(context.Background(), "dev", false)
	if err != nil || ran {
		t.Errorf("second Load() = %v, %v; want skipped", ran, err)
	}
	if ran, _ := l.Load(context.Background(), "dev", true); !ran {
		t.Error("forced Load() was skipped")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	store := built(t)
	if _, err := New(store, &recordingEngine{}).Load(context.Background(), "ghost", false); !errors.Is(err, ErrNotBuilt) {
		t.Errorf("Load(ghost) error = %v, want ErrNotBuilt", err)
	}

	boom := errors.New("daemon down")
	if _, err := New(store, &recordingEngine{err: boom}).Load(context.Background(), "dev", false); !errors.Is(err, boom) {
		t.Errorf("Load() error = %v, want %v", err, boom)
	}
	if store.Loaded("dev") {
		t.Error("failed load wrote the marker")
	}
}

func TestLoad_ImageGoneFromEngine(t *testing.T) {
	t.Parallel()

	store := built(t)
	engine := &recordingEngine{images: map[string]bool{}}
	l := New(store, engine, WithTag(func(name string) string { return "local/" + name }))

	if ran, err := l.Load(context.Background(), "dev", false); err != nil || !ran {
		t.Fatalf("first Load() = %v, %v", ran, err)
	}
	engine.images["local/dev"] = true
	if ran, err := l.Load(context.Background(), "dev", false); err != nil || ran {
		t.Errorf("Load() with the image present = %v, %v; want skipped", ran, err)
	}

	// Pruned from the engine: the marker is stale.
	delete(engine.images, "local/dev")
	if ran, err := l.Load(context.Background(), "dev", false); err != nil || !ran {
		t.Errorf("Load() after prune = %v, %v; want reload", ran, err)
	}
	if len(engine.loads) != 2 {
		t.Errorf("engine loads = %d, want 2", len(engine.loads))
	}
	if diff := cmp.Diff([]string{"local/dev", "local/dev"}, engine.lookups); diff != "" {
		t.Errorf("image lookups mismatch (-want +got):\n%s", diff)
	}
}
