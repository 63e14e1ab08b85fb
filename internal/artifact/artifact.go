// SPDX-License-Identifier: MPL-2.0

// Package artifact is the on-disk store of built package outputs.
//
// Layout below the output directory:
//
//	<name>/index.json            exists iff <name> is built; mtime is the freshness reference
//	<name>/...                   OCI layout payload (directory output)
//	<name>/image.tar             OCI archive payload (archive output)
//	<name>/.imgraph-state.json   fingerprint record of the last successful build
//	.<name>-loaded               written by the load step
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tkhq/imgraph/pkg/buildfile"
)

const (
	// ManifestFile is the OCI index whose presence marks a package as built.
	ManifestFile = "index.json"
	// ArchiveFile is the payload file name in archive output mode.
	ArchiveFile = "image.tar"
	// StateFile holds the Record of the last successful build.
	StateFile = ".imgraph-state.json"
)

// ErrCorruptManifest is returned when index.json exists but cannot be decoded.
var ErrCorruptManifest = errors.New("corrupt artifact manifest")

type (
	// Artifact is the materialized output of one successful build.
	Artifact struct {
		Name         string
		ManifestPath string
		// Payload is the directory or archive handed to dependents.
		Payload string
		Output  buildfile.OutputMode
		// ModTime is the manifest modification time.
		ModTime time.Time
		// Digest is the digest of the manifest bytes.
		Digest digest.Digest
		Index  ocispec.Index
		// Record is nil for artifacts produced without imgraph.
		Record *Record
	}

	// Record is persisted next to the manifest after a successful build.
	Record struct {
		Fingerprint string               `json:"fingerprint"`
		Policy      string               `json:"policy,omitempty"`
		Tag         string               `json:"tag,omitempty"`
		Platform    string               `json:"platform,omitempty"`
		Output      buildfile.OutputMode `json:"output"`
		BuiltAt     time.Time            `json:"built_at"`
	}

	// Store reads and writes artifacts under one output directory. Positive
	// lookups are cached for the lifetime of the Store; every mutation through
	// the Store drops the cached entry.
	Store struct {
		dir   string
		mu    sync.Mutex
		cache map[string]*Artifact
	}
)

// Fingerprint returns the recorded fingerprint or "".
func (a *Artifact) Fingerprint() string {
	if a == nil || a.Record == nil {
		return ""
	}
	return a.Record.Fingerprint
}

// NewStore returns a Store rooted at dir. dir is made absolute so payload
// paths can be passed to external tools.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	return &Store{dir: abs, cache: make(map[string]*Artifact)}, nil
}

// Dir returns the absolute output directory.
func (s *Store) Dir() string { return s.dir }

// PackageDir returns the directory reserved for name.
func (s *Store) PackageDir(name string) string { return filepath.Join(s.dir, name) }

// ManifestPath returns the path of name's index.json.
func (s *Store) ManifestPath(name string) string {
	return filepath.Join(s.dir, name, ManifestFile)
}

// Payload returns where the payload of name lives for the given output mode.
func (s *Store) Payload(name string, mode buildfile.OutputMode) string {
	if mode == buildfile.OutputArchive {
		return filepath.Join(s.dir, name, ArchiveFile)
	}
	return filepath.Join(s.dir, name)
}

// MarkerPath returns the loaded-marker path of name.
func (s *Store) MarkerPath(name string) string {
	return filepath.Join(s.dir, "."+name+"-loaded")
}

// Get returns the artifact of name, or nil when name has not been built.
func (s *Store) Get(name string) (*Artifact, error) {
	s.mu.Lock()
	if a, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	a, err := s.read(name)
	if err != nil || a == nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = a
	s.mu.Unlock()
	return a, nil
}

func (s *Store) read(name string) (*Artifact, error) {
	manifest := s.ManifestPath(name)
	info, err := os.Stat(manifest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", manifest, err)
	}

	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifest, err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptManifest, manifest, err)
	}

	mode := buildfile.OutputDirectory
	if _, err := os.Stat(filepath.Join(s.dir, name, ArchiveFile)); err == nil {
		mode = buildfile.OutputArchive
	}

	a := &Artifact{
		Name:         name,
		ManifestPath: manifest,
		Payload:      s.Payload(name, mode),
		Output:       mode,
		ModTime:      info.ModTime(),
		Digest:       digest.FromBytes(data),
		Index:        idx,
	}

	rec, err := s.readRecord(name)
	if err != nil {
		return nil, err
	}
	a.Record = rec
	return a, nil
}

func (s *Store) readRecord(name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name, StateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read build record of %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable record is treated as absent; freshness then falls
		// back to timestamps.
		return nil, nil
	}
	return &rec, nil
}

// Invalidate marks name as not built and clears its directory so the next
// build starts from an empty destination. The manifest is removed first.
func (s *Store) Invalidate(name string) error {
	s.forget(name)

	if err := os.Remove(s.ManifestPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove manifest of %s: %w", name, err)
	}
	dir := s.PackageDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// Put records a successful build of name. The manifest must already exist.
// The state record is written atomically and the manifest mtime is refreshed
// last, so the artifact only becomes fresh once everything is in place.
func (s *Store) Put(name string, rec Record) (*Artifact, error) {
	s.forget(name)

	manifest := s.ManifestPath(name)
	if _, err := os.Stat(manifest); err != nil {
		return nil, fmt.Errorf("manifest of %s: %w", name, err)
	}

	if rec.BuiltAt.IsZero() {
		rec.BuiltAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, name, StateFile), data); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := os.Chtimes(manifest, now, now); err != nil {
		return nil, fmt.Errorf("touch manifest of %s: %w", name, err)
	}

	return s.Get(name)
}

// ListBuilt returns the sorted names of every built package.
func (s *Store) ListBuilt() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.ManifestPath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Loaded reports whether name's loaded marker exists and is not older than
// its manifest.
func (s *Store) Loaded(name string) bool {
	marker, err := os.Stat(s.MarkerPath(name))
	if err != nil {
		return false
	}
	manifest, err := os.Stat(s.ManifestPath(name))
	if err != nil {
		return false
	}
	return !marker.ModTime().Before(manifest.ModTime())
}

// MarkLoaded writes name's loaded marker.
func (s *Store) MarkLoaded(name string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(s.MarkerPath(name), nil)
}

// Remove deletes the artifact and loaded marker of name.
func (s *Store) Remove(name string) error {
	s.forget(name)

	if err := os.Remove(s.ManifestPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove manifest of %s: %w", name, err)
	}
	if err := os.RemoveAll(s.PackageDir(name)); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	if err := os.Remove(s.MarkerPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove loaded marker of %s: %w", name, err)
	}
	return nil
}

// DiskUsage returns the total size of the files under name's directory.
func (s *Store) DiskUsage(name string) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.PackageDir(name), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func (s *Store) forget(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
