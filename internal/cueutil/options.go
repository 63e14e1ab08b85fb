// SPDX-License-Identifier: MPL-2.0

package cueutil

// DefaultMaxFileSize is the default maximum file size for CUE parsing (5MB).
const DefaultMaxFileSize int64 = 5 * 1024 * 1024

type (
	// parseOptions holds configuration for CUE parsing.
	parseOptions struct {
		maxFileSize int64
		concrete    bool
		filename    string
	}

	// Option configures parsing behavior.
	Option func(*parseOptions)
)

func defaultOptions() parseOptions {
	return parseOptions{
		maxFileSize: DefaultMaxFileSize,
		concrete:    true,
	}
}

// WithMaxFileSize sets the maximum allowed file size.
func WithMaxFileSize(size int64) Option {
	return func(o *parseOptions) {
		o.maxFileSize = size
	}
}

// WithConcrete sets whether all values must be concrete after unification.
// Set to false when optional fields may stay unset (configuration files).
func WithConcrete(concrete bool) Option {
	return func(o *parseOptions) {
		o.concrete = concrete
	}
}

// WithFilename sets the filename used in error messages.
func WithFilename(name string) Option {
	return func(o *parseOptions) {
		o.filename = name
	}
}
