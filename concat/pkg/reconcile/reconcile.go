// Package reconcile computes the schema a destination table has after sources are concatenated
// into it.
package reconcile

import (
	"errors"
	"fmt"
	"slices"

	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

// Destination is the destination's current schema. Explicit is set when the schema was declared
// by the user (schema_mode strict) rather than inferred.
type Destination struct {
	Schema   schema.Schema
	Explicit bool
}

func (d Destination) Mode() schema.Mode {
	if d.Explicit {
		return schema.ModeStrict
	}
	return schema.ModeWeak
}

type Source struct {
	Path   string
	Schema schema.Schema
}

type Result struct {
	Schema schema.Schema
	Mode   schema.Mode
}

// Reconcile returns the destination schema and mode after concatenating sources.
func Reconcile(dst Destination, sources []Source, appendRows bool) (Result, error) {
	if len(sources) == 0 {
		return Result{Schema: dst.Schema, Mode: dst.Mode()}, nil
	}

	if dst.Explicit {
		for _, src := range sources {
			if err := src.Schema.CheckCompatibleSubsetOf(dst.Schema); err != nil {
				return Result{}, tableerr.Wrap(tableerr.CodeSchemaViolation, err,
					"schema of %s is incompatible with destination schema", src.Path)
			}
		}
		return Result{Schema: dst.Schema, Mode: schema.ModeStrict}, nil
	}

	if appendRows {
		if dst.Schema.IsEmpty() {
			return Result{Schema: dst.Schema, Mode: schema.ModeWeak}, nil
		}
		schemas := make([]schema.Schema, 0, len(sources)+1)
		schemas = append(schemas, dst.Schema)
		for _, src := range sources {
			schemas = append(schemas, src.Schema)
		}
		merged, err := schema.Merge(schemas...)
		if err != nil {
			return degrade(err)
		}
		return Result{Schema: merged, Mode: schema.ModeWeak}, nil
	}

	return infer(sources)
}

// infer unions the source schemas for a destination without a declared schema.
func infer(sources []Source) (Result, error) {
	schemas := make([]schema.Schema, len(sources))
	for i, src := range sources {
		schemas[i] = src.Schema
	}
	merged, err := schema.Merge(schemas...)
	if err != nil {
		return degrade(err)
	}
	if !merged.Strict {
		return Result{Schema: merged, Mode: schema.ModeWeak}, nil
	}
	return Result{Schema: merged, Mode: schema.ModeStrict}, nil
}

// degrade turns a merge-time type conflict into a weak destination with an empty schema.
func degrade(err error) (Result, error) {
	if !errors.Is(err, tableerr.ErrIncompatibleSchemas) {
		return Result{}, fmt.Errorf("failed to merge schemas: %w", err)
	}
	return Result{Schema: schema.Empty(), Mode: schema.ModeWeak}, nil
}

// UniqueKeys reports whether every schema declares unique keys on the same key columns.
func UniqueKeys(schemas ...schema.Schema) bool {
	if len(schemas) == 0 {
		return false
	}
	cols := schemas[0].SortColumns()
	for _, s := range schemas {
		if !s.IsUniqueOn(cols) {
			return false
		}
	}
	return true
}

// WithSortedBy applies an explicitly requested sort order to a reconciled result. A result that is
// already sorted must be sorted by exactly cols. Otherwise cols become the key columns, unique
// when every source is unique on them.
func WithSortedBy(res Result, sources []Source, cols []schema.SortColumn) (Result, error) {
	if len(cols) == 0 {
		return res, nil
	}
	if res.Schema.IsSorted() {
		have := res.Schema.SortColumns()
		if !slices.Equal(have, cols) {
			return Result{}, tableerr.New(tableerr.CodeSchemaViolation,
				"requested sort columns %v do not match destination key columns %v",
				schema.SortColumnNames(cols), schema.SortColumnNames(have))
		}
		return res, nil
	}

	sorted, err := res.Schema.WithSortColumns(cols)
	if err != nil {
		return Result{}, err
	}
	schemas := make([]schema.Schema, len(sources))
	for i, src := range sources {
		schemas[i] = src.Schema
	}
	sorted.UniqueKeys = UniqueKeys(schemas...) && schemas[0].IsUniqueOn(cols)
	return Result{Schema: sorted, Mode: res.Mode}, nil
}
