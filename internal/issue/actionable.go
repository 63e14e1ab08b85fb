// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing error: what imgraph was doing, on
	// which file or package, and how to recover.
	//
	//	err := issue.NewErrorContext().
	//		WithOperation("load project file").
	//		WithResource("./imgraph.cue").
	//		WithSuggestion("Run imgraph from the project root").
	//		Wrap(cause).
	//		BuildError()
	ActionableError struct {
		// Operation is a verb phrase such as "load project file".
		Operation   string
		Resource    string
		Suggestions []string
		Cause       error
	}

	// ErrorContext accumulates the fields of an ActionableError.
	ErrorContext struct {
		operation   string
		resource    string
		suggestions []string
		cause       error
	}
)

// NewErrorContext returns an empty builder.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

// Error returns "failed to <operation>[: <resource>][: <cause>]".
func (e *ActionableError) Error() string {
	var msg strings.Builder
	msg.WriteString("failed to ")
	msg.WriteString(e.Operation)
	if e.Resource != "" {
		msg.WriteString(": ")
		msg.WriteString(e.Resource)
	}
	if e.Cause != nil {
		msg.WriteString(": ")
		msg.WriteString(e.Cause.Error())
	}
	return msg.String()
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format renders the message followed by the suggestions as a bullet list.
// Verbose output adds the numbered cause chain.
func (e *ActionableError) Format(verbose bool) string {
	var msg strings.Builder
	msg.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		msg.WriteString("\n")
		for _, s := range e.Suggestions {
			msg.WriteString("\n  • ")
			msg.WriteString(s)
		}
	}

	if verbose && e.Cause != nil {
		msg.WriteString("\n\nError chain:")
		writeChain(&msg, e.Cause, 1)
	}
	return msg.String()
}

// writeChain prints err and its causes. Joined errors are printed as
// siblings one level deeper.
func writeChain(msg *strings.Builder, err error, depth int) {
	for err != nil {
		fmt.Fprintf(msg, "\n%s%d. %s", strings.Repeat("  ", depth), depth, err.Error())
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, child := range joined.Unwrap() {
				writeChain(msg, child, depth+1)
			}
			return
		}
		err = errors.Unwrap(err)
		depth++
	}
}

func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.operation = op
	return c
}

func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.resource = res
	return c
}

// WithSuggestion appends one recovery hint.
func (c *ErrorContext) WithSuggestion(sug string) *ErrorContext {
	c.suggestions = append(c.suggestions, sug)
	return c
}

func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.cause = err
	return c
}

// BuildError returns the accumulated ActionableError, or nil when no
// operation was set.
func (c *ErrorContext) BuildError() error {
	if c.operation == "" {
		return nil
	}
	return &ActionableError{
		Operation:   c.operation,
		Resource:    c.resource,
		Suggestions: c.suggestions,
		Cause:       c.cause,
	}
}
