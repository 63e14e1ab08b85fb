// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/tkhq/imgraph/internal/cueutil"
	"github.com/tkhq/imgraph/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "imgraph"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// ProjectConfigFile is read from the project root after the user config.
	ProjectConfigFile = ".imgraph.cue"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "IMGRAPH"
)

//go:embed config_schema.cue
var configSchema string

// conventionalEnv lists the unprefixed variables build scripts already set.
// The prefixed form wins when both are present.
var conventionalEnv = map[string]string{
	"registry":          "REGISTRY",
	"version":           "VERSION",
	"no_cache":          "NO_CACHE",
	"source_date_epoch": "SOURCE_DATE_EPOCH",
}

// ConfigDir returns the imgraph configuration directory under the XDG
// config home (~/.config/imgraph on Linux).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// ConfigPath returns the user config file inside dir, or inside ConfigDir
// when dir is empty.
func ConfigPath(dir string) string {
	if dir == "" {
		dir = ConfigDir()
	}
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
}

// loadWithOptions layers defaults, the user config file, the project config
// file and the environment, in that order. It returns the files it read.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, []string, error) {
	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("registry", defaults.Registry)
	v.SetDefault("version", defaults.Version)
	v.SetDefault("no_cache", defaults.NoCache)
	v.SetDefault("source_date_epoch", defaults.SourceDateEpoch)
	v.SetDefault("platform", defaults.Platform)
	v.SetDefault("out_dir", defaults.OutDir)
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("freshness", string(defaults.Freshness))
	v.SetDefault("tracking", string(defaults.Tracking))
	v.SetDefault("container_engine", string(defaults.ContainerEngine))
	v.SetDefault("keep_going", defaults.KeepGoing)
	v.SetDefault("ui.color_scheme", string(defaults.UI.ColorScheme))
	v.SetDefault("ui.verbose", defaults.UI.Verbose)

	var sources []string

	// An explicit --config file replaces the user config file.
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, nil, issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'imgraph config show' to see the effective configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := mergeFile(v, opts.ConfigFilePath); err != nil {
			return nil, nil, err
		}
		sources = append(sources, opts.ConfigFilePath)
	} else if p := ConfigPath(opts.ConfigDirPath); fileExists(p) {
		if err := mergeFile(v, p); err != nil {
			return nil, nil, err
		}
		sources = append(sources, p)
	}

	if opts.ProjectDir != "" {
		if p := filepath.Join(opts.ProjectDir, ProjectConfigFile); fileExists(p) {
			if err := mergeFile(v, p); err != nil {
				return nil, nil, err
			}
			sources = append(sources, p)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("parse configuration").
			WithSuggestion("Check " + EnvPrefix + "_* and REGISTRY/VERSION/NO_CACHE/SOURCE_DATE_EPOCH for malformed values").
			Wrap(err).
			BuildError()
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("validate configuration").
			WithSuggestion("Run 'imgraph config show' to see where each value comes from").
			Wrap(err).
			BuildError()
	}

	return &cfg, sources, nil
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range conventionalEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(key)
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func mergeFile(v *viper.Viper, path string) error {
	if err := loadCUEIntoViper(v, path); err != nil {
		return issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(path).
			WithSuggestion("Check that the file contains valid CUE syntax").
			WithSuggestion("Verify the configuration values match the expected schema").
			WithSuggestion("See 'imgraph config --help' for configuration options").
			Wrap(err).
			BuildError()
	}
	return nil
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Note: This uses manual CUE parsing instead of cueutil.ParseAndDecode because
// config decodes to map[string]any for Viper and every field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	// Merge preserves defaults and lets the environment override.
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file into dir (ConfigDir
// when empty) unless one exists. It returns the path and whether the file
// was created.
func CreateDefaultConfig(dir string) (string, bool, error) {
	cfgPath := ConfigPath(dir)
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if fileExists(cfgPath) {
		return cfgPath, false, nil
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	return cfgPath, true, nil
}

// GenerateCUE generates a CUE representation of the configuration
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// imgraph configuration file.\n")
	sb.WriteString("// Environment variables (IMGRAPH_<KEY>, REGISTRY, VERSION, NO_CACHE,\n")
	sb.WriteString("// SOURCE_DATE_EPOCH) override these values.\n\n")

	fmt.Fprintf(&sb, "registry: %q\n", cfg.Registry)
	fmt.Fprintf(&sb, "version: %q\n", cfg.Version)
	fmt.Fprintf(&sb, "no_cache: %v\n", cfg.NoCache)
	fmt.Fprintf(&sb, "source_date_epoch: %d\n", cfg.SourceDateEpoch)
	fmt.Fprintf(&sb, "platform: %q\n", cfg.Platform)
	fmt.Fprintf(&sb, "out_dir: %q\n", cfg.OutDir)
	fmt.Fprintf(&sb, "workers: %d\n", cfg.Workers)
	fmt.Fprintf(&sb, "freshness: %q\n", cfg.Freshness)
	fmt.Fprintf(&sb, "tracking: %q\n", cfg.Tracking)
	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)
	fmt.Fprintf(&sb, "keep_going: %v\n", cfg.KeepGoing)

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")

	return sb.String()
}
