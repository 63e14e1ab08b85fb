// SPDX-License-Identifier: MPL-2.0

package config

import "context"

type (
	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when set.
		ConfigFilePath string
		// ConfigDirPath overrides the config directory lookup when set.
		ConfigDirPath string
		// ProjectDir is searched for a project config file when set.
		ProjectDir string
	}

	// Provider loads configuration from explicit options.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
		// Sources returns the files read by the last successful Load.
		Sources() []string
	}

	fileProvider struct {
		sources []string
	}
)

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, sources, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.sources = sources
	return cfg, nil
}

func (p *fileProvider) Sources() []string { return p.sources }
