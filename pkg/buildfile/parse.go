// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tkhq/imgraph/internal/cueutil"
)

//go:embed buildfile_schema.cue
var schema []byte

// Parse decodes and validates project file data. filename is used in error
// messages only; Root and Path are left empty.
func Parse(data []byte, filename string) (*Buildfile, error) {
	bf, err := cueutil.ParseAndDecode[Buildfile](schema, data, "#Buildfile", cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	if bf.Dev == "" {
		bf.Dev = DefaultDevPackage
	}
	if err := bf.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return bf, nil
}

// Load reads and parses the project file at path.
func Load(path string) (*Buildfile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project file path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return nil, fmt.Errorf("read project file: %w", err)
	}

	bf, err := Parse(data, abs)
	if err != nil {
		return nil, err
	}
	bf.Path = abs
	bf.Root = filepath.Dir(abs)
	return bf, nil
}

// Find looks for FileName in dir and its parents and returns the first match.
func Find(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}

	for {
		candidate := filepath.Join(abs, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w: no %s in %s or any parent directory", ErrNotFound, FileName, dir)
		}
		abs = parent
	}
}
