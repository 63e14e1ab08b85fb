// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tkhq/imgraph/internal/testutil"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// clearEnv unsets every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"REGISTRY", "VERSION", "NO_CACHE", "SOURCE_DATE_EPOCH",
		"IMGRAPH_REGISTRY", "IMGRAPH_VERSION", "IMGRAPH_NO_CACHE", "IMGRAPH_SOURCE_DATE_EPOCH",
		"IMGRAPH_WORKERS", "IMGRAPH_PLATFORM", "IMGRAPH_FRESHNESS", "IMGRAPH_UI_VERBOSE",
	} {
		t.Cleanup(testutil.MustUnsetenv(t, name))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	p := NewProvider()
	cfg, err := p.Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if len(p.Sources()) != 0 {
		t.Errorf("Sources() = %v, want none", p.Sources())
	}
}

func TestLoad_Layering(t *testing.T) {
	clearEnv(t)

	userDir := t.TempDir()
	projectDir := t.TempDir()
	writeConfig(t, userDir, "config.cue", `
registry: "ghcr.io/acme"
workers: 4
freshness: "content"
ui: verbose: true
`)
	writeConfig(t, projectDir, ProjectConfigFile, `
workers: 2
platform: "linux/arm64"
`)
	t.Setenv("VERSION", "1.2.3")
	t.Setenv("IMGRAPH_NO_CACHE", "true")
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	p := NewProvider()
	cfg, err := p.Load(context.Background(), LoadOptions{ConfigDirPath: userDir, ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := DefaultConfig()
	want.Registry = "ghcr.io/acme"
	want.Workers = 2
	want.Freshness = FreshnessContent
	want.Platform = "linux/arm64"
	want.Version = "1.2.3"
	want.NoCache = true
	want.SourceDateEpoch = 1700000000
	want.UI.Verbose = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if len(p.Sources()) != 2 {
		t.Errorf("Sources() = %v, want user and project files", p.Sources())
	}
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("REGISTRY", "plain")
	t.Setenv("IMGRAPH_REGISTRY", "prefixed")

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Registry != "prefixed" {
		t.Errorf("Registry = %q, want prefixed", cfg.Registry)
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	writeConfig(t, dir, "config.cue", `registry: "ignored"`)
	explicit := writeConfig(t, t.TempDir(), "ci.cue", `container_engine: "podman"`)

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: explicit, ConfigDirPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContainerEngine != ContainerEnginePodman || cfg.Registry != "local" {
		t.Errorf("cfg = %+v, want podman with default registry", cfg)
	}

	_, err = NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: filepath.Join(dir, "missing.cue")})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("missing explicit file error = %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
		is      error
	}{
		{name: "unknown key", file: `registy: "typo"`, wantErr: "registy"},
		{name: "bad enum", file: `freshness: "md5"`, wantErr: "freshness"},
		{name: "negative workers", file: `workers: -1`, wantErr: "workers"},
		{name: "syntax", file: `registry: `, wantErr: "config.cue"},
		{name: "bad platform", file: `platform: "not/a/real/platform/string"`, is: ErrInvalidConfig},
		{name: "bad env enum", env: map[string]string{"IMGRAPH_FRESHNESS": "md5"}, is: ErrInvalidFreshnessPolicy},
		{name: "negative epoch env", env: map[string]string{"SOURCE_DATE_EPOCH": "-5"}, is: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			if tt.file != "" {
				writeConfig(t, dir, "config.cue", tt.file)
			}

			_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Load() error = %v, want errors.Is %v", err, tt.is)
			}
		})
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, LoadOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestGenerateCUE_RoundTrip(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path, created, err := CreateDefaultConfig(dir)
	if err != nil || !created {
		t.Fatalf("CreateDefaultConfig() = %q, %v, %v", path, created, err)
	}
	if _, created, _ := CreateDefaultConfig(dir); created {
		t.Error("second CreateDefaultConfig() overwrote the file")
	}

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() of generated file error = %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("generated config mismatch (-want +got):\n%s", diff)
	}
}
