// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MustUnsetenv unsets the environment variable key.
// It returns a cleanup function that restores the original value (if any).
// The test fails immediately if the operation fails.
func MustUnsetenv(t testing.TB, key string) func() {
	t.Helper()
	originalValue, hadValue := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	return func() {
		if hadValue {
			if err := os.Setenv(key, originalValue); err != nil {
				t.Errorf("failed to restore env %s: %v", key, err)
			}
		}
	}
}

// WriteFile writes content to the slash-separated path rel below root,
// creating parent directories.
func WriteFile(t testing.TB, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// Touch sets the mtime of rel below root to now plus offset.
func Touch(t testing.TB, root, rel string, offset time.Duration) {
	t.Helper()
	when := time.Now().Add(offset)
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
