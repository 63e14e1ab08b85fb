// SPDX-License-Identifier: MPL-2.0

package runner

// Package states. A package starts Pending and ends in exactly one of the
// terminal states.
const (
	Pending State = iota
	Fresh
	Building
	Built
	Failed
	Skipped
)

// State is the run state of one package.
type State int

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fresh:
		return "fresh"
	case Building:
		return "building"
	case Built:
		return "built"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Fresh || s == Built || s == Failed || s == Skipped
}

// Satisfied reports whether dependents may use the package's artifact.
func (s State) Satisfied() bool {
	return s == Fresh || s == Built
}

// canTransition lists the allowed state changes.
func canTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == Fresh || to == Building || to == Failed || to == Skipped
	case Building:
		return to == Built || to == Failed
	default:
		return false
	}
}
