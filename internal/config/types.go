// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/platforms"
)

const (
	// ContainerEnginePodman uses Podman as the build backend.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker buildx as the build backend.
	ContainerEngineDocker ContainerEngine = "docker"

	// FreshnessFingerprint compares input paths, mtimes and contents.
	FreshnessFingerprint FreshnessPolicy = "fingerprint"
	// FreshnessContent compares input paths and contents.
	FreshnessContent FreshnessPolicy = "content"
	// FreshnessTimestamp compares input mtimes against the manifest.
	FreshnessTimestamp FreshnessPolicy = "timestamp"

	// TrackingGit lists sources from the git index.
	TrackingGit TrackingMode = "git"
	// TrackingFilesystem walks the project tree.
	TrackingFilesystem TrackingMode = "filesystem"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidFreshnessPolicy is returned when a FreshnessPolicy value is not recognized.
	ErrInvalidFreshnessPolicy = errors.New("invalid freshness policy")
	// ErrInvalidTrackingMode is returned when a TrackingMode value is not recognized.
	ErrInvalidTrackingMode = errors.New("invalid tracking mode")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine specifies which container engine builds images.
	ContainerEngine string

	// FreshnessPolicy selects how staleness is decided. Defined locally to
	// avoid coupling config to internal/freshness.
	FreshnessPolicy string

	// TrackingMode selects how tracked source files are enumerated.
	TrackingMode string

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// InvalidValueError is returned when an enumerated setting has an
	// unknown value. Sentinel is one of the ErrInvalid* values.
	InvalidValueError struct {
		Key      string
		Value    string
		Valid    []string
		Sentinel error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// Registry prefixes image tags.
		Registry string `json:"registry" mapstructure:"registry"`
		// Version is the VERSION build argument.
		Version string `json:"version" mapstructure:"version"`
		// NoCache disables the backend build cache.
		NoCache bool `json:"no_cache" mapstructure:"no_cache"`
		// SourceDateEpoch pins image timestamps.
		SourceDateEpoch int64 `json:"source_date_epoch" mapstructure:"source_date_epoch"`
		// Platform is the default target platform.
		Platform string `json:"platform" mapstructure:"platform"`
		// OutDir is the artifact directory, relative to the project root.
		OutDir string `json:"out_dir" mapstructure:"out_dir"`
		// Workers bounds concurrent builds; 0 means one per CPU.
		Workers int `json:"workers" mapstructure:"workers"`
		// Freshness selects the staleness policy.
		Freshness FreshnessPolicy `json:"freshness" mapstructure:"freshness"`
		// Tracking selects how source files are enumerated.
		Tracking TrackingMode `json:"tracking" mapstructure:"tracking"`
		// ContainerEngine specifies whether to use "podman" or "docker".
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// KeepGoing keeps building independent packages after a failure.
		KeepGoing bool `json:"keep_going" mapstructure:"keep_going"`
		// UI configures the user interface.
		UI UIConfig `json:"ui" mapstructure:"ui"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		// ColorScheme sets the color scheme
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
		// Verbose enables debug logging
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Registry:        "local",
		Version:         "dev",
		SourceDateEpoch: 0,
		Platform:        "linux/amd64",
		OutDir:          "out",
		Freshness:       FreshnessFingerprint,
		Tracking:        TrackingGit,
		ContainerEngine: ContainerEngineDocker,
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
		},
	}
}

// Error implements the error interface.
func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s: invalid value %q (valid: %s)", e.Key, e.Value, strings.Join(e.Valid, ", "))
}

// Unwrap returns the sentinel for errors.Is() compatibility.
func (e *InvalidValueError) Unwrap() error { return e.Sentinel }

func oneOf[T ~string](key string, v T, sentinel error, valid ...T) error {
	for _, ok := range valid {
		if v == ok {
			return nil
		}
	}
	names := make([]string, len(valid))
	for i, ok := range valid {
		names[i] = string(ok)
	}
	return &InvalidValueError{Key: key, Value: string(v), Valid: names, Sentinel: sentinel}
}

// Validate returns an error if the engine is not docker or podman.
func (e ContainerEngine) Validate() error {
	return oneOf("container_engine", e, ErrInvalidContainerEngine, ContainerEngineDocker, ContainerEnginePodman)
}

// Validate returns an error if the policy is not recognized.
func (p FreshnessPolicy) Validate() error {
	return oneOf("freshness", p, ErrInvalidFreshnessPolicy, FreshnessFingerprint, FreshnessContent, FreshnessTimestamp)
}

// Validate returns an error if the mode is not git or filesystem.
func (m TrackingMode) Validate() error {
	return oneOf("tracking", m, ErrInvalidTrackingMode, TrackingGit, TrackingFilesystem)
}

// Validate returns an error if the scheme is not recognized.
func (c ColorScheme) Validate() error {
	return oneOf("ui.color_scheme", c, ErrInvalidColorScheme, ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight)
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Unwrap returns ErrInvalidConfig and every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// Validate checks the settings CUE cannot express alone, such as platform
// syntax, and repeats the enum checks for values set through the
// environment.
func (c *Config) Validate() error {
	var errs []error
	for _, err := range []error{
		c.ContainerEngine.Validate(),
		c.Freshness.Validate(),
		c.Tracking.Validate(),
		c.UI.ColorScheme.Validate(),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := platforms.Parse(c.Platform); err != nil {
		errs = append(errs, fmt.Errorf("platform: %w", err))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers: must not be negative, got %d", c.Workers))
	}
	if c.SourceDateEpoch < 0 {
		errs = append(errs, fmt.Errorf("source_date_epoch: must not be negative, got %d", c.SourceDateEpoch))
	}
	if strings.TrimSpace(c.OutDir) == "" {
		errs = append(errs, errors.New("out_dir: must not be empty"))
	}
	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, errors.New("version: must not be empty"))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}
