// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Unify compiles schema and data, unifies data with the schema definition at
// schemaPath and validates the result. The returned value is ready to decode.
func Unify(schema, data []byte, schemaPath string, opts ...Option) (cue.Value, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	filename := options.filename
	if filename == "" {
		filename = "<input>"
	}

	if err := CheckFileSize(data, options.maxFileSize, filename); err != nil {
		return cue.Value{}, err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileBytes(schema)
	if schemaValue.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(filename))
	if userValue.Err() != nil {
		return cue.Value{}, FormatError(userValue.Err(), filename)
	}

	root := schemaValue.LookupPath(cue.ParsePath(schemaPath))
	if root.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema definition %s not found: %w", schemaPath, root.Err())
	}

	unified := root.Unify(userValue)
	if err := unified.Validate(cue.Concrete(options.concrete)); err != nil {
		return cue.Value{}, FormatError(err, filename)
	}

	return unified, nil
}

// ParseAndDecode runs Unify and decodes the result into a T.
//
//	//go:embed buildfile_schema.cue
//	var schema []byte
//
//	bf, err := cueutil.ParseAndDecode[Buildfile](schema, data, "#Buildfile",
//	    cueutil.WithFilename("imgraph.cue"))
func ParseAndDecode[T any](schema, data []byte, schemaPath string, opts ...Option) (*T, error) {
	unified, err := Unify(schema, data, schemaPath, opts...)
	if err != nil {
		return nil, err
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var result T
	if err := unified.Decode(&result); err != nil {
		return nil, FormatError(err, options.filename)
	}
	return &result, nil
}
