// SPDX-License-Identifier: MPL-2.0

package freshness

import (
	"errors"
	"fmt"
)

var (
	// ErrStalenessRead is the sentinel wrapped by StalenessReadError.
	ErrStalenessRead = errors.New("cannot determine package inputs")

	// ErrInvalidPolicy is the sentinel wrapped by InvalidPolicyError.
	ErrInvalidPolicy = errors.New("invalid freshness policy")
)

type (
	// StalenessReadError is returned when the inputs of a package cannot be
	// enumerated or read. The package must not be assumed fresh.
	StalenessReadError struct {
		Package string
		Err     error
	}

	// InvalidPolicyError is returned for an unknown Policy.
	InvalidPolicyError struct {
		Value Policy
	}
)

// Error implements the error interface.
func (e *StalenessReadError) Error() string {
	return fmt.Sprintf("package %q: cannot determine inputs: %v", e.Package, e.Err)
}

// Unwrap returns ErrStalenessRead and the underlying cause.
func (e *StalenessReadError) Unwrap() []error { return []error{ErrStalenessRead, e.Err} }

// Error implements the error interface.
func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid freshness policy %q (valid: fingerprint, content, timestamp)", e.Value)
}

// Unwrap returns ErrInvalidPolicy for errors.Is.
func (e *InvalidPolicyError) Unwrap() error { return ErrInvalidPolicy }
