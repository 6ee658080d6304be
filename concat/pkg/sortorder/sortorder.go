// Package sortorder checks that a sequence of chunk ranges is globally ordered on a set of sort
// columns.
package sortorder

import (
	"sort"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

// Input is the ordered range sequence of one source.
type Input struct {
	Path   string
	Ranges []chunk.Range
}

type Request struct {
	// SortColumns is the comparator the output must follow. Empty means the output is unsorted.
	SortColumns []schema.SortColumn
	UniqueKeys  bool

	// Requested is set when SortColumns were asked for explicitly rather than inherited from the
	// destination schema. Ranges without ordering metadata are then rejected.
	Requested bool

	// RejectUnsorted rejects ranges without ordering metadata instead of degrading the output to
	// unsorted.
	RejectUnsorted bool

	// Reorder stably sorts the new ranges by boundary keys before checking them.
	Reorder bool

	// Existing holds the destination's ranges when appending. Only its last non-empty range takes
	// part in the check.
	Existing []chunk.Range
	Inputs   []Input
}

type Result struct {
	Sorted   bool
	SortedBy []string

	// Degraded is set when the output is unsorted because some range had no ordering metadata.
	Degraded bool

	// Ranges is the new range sequence in output order.
	Ranges []chunk.Range
}

type labeled struct {
	chunk.Range
	path string
}

// Validate checks req and returns the resulting sort state.
func Validate(req Request) (Result, error) {
	var ranges []labeled
	for _, in := range req.Inputs {
		for _, r := range in.Ranges {
			ranges = append(ranges, labeled{Range: r, path: in.Path})
		}
	}

	cols := req.SortColumns
	if len(cols) == 0 {
		return Result{Ranges: unlabel(ranges)}, nil
	}

	var prev *labeled
	for i := len(req.Existing) - 1; i >= 0; i-- {
		if !req.Existing[i].IsEmpty() {
			prev = &labeled{Range: req.Existing[i], path: "destination"}
			break
		}
	}
	candidates := ranges
	if prev != nil {
		candidates = append([]labeled{*prev}, ranges...)
	}

	for _, r := range candidates {
		if r.IsEmpty() {
			continue
		}
		if !r.HasBoundaries() {
			if req.Requested || req.RejectUnsorted {
				return Result{}, tableerr.New(tableerr.CodeSchemaViolation,
					"chunk %s of %s has no sort order and cannot be concatenated into a table sorted by %v",
					r.ChunkID, r.path, schema.SortColumnNames(cols)).With("chunk_id", r.ChunkID)
			}
			return Result{Degraded: true, Ranges: unlabel(ranges)}, nil
		}
		if !r.SortedBy(cols) {
			return Result{}, tableerr.New(tableerr.CodeSchemaViolation,
				"chunk sort columns %v of %s are incompatible with sort columns %v",
				formatSortColumns(r.SortColumns), r.path, formatSortColumns(cols)).With("chunk_id", r.ChunkID)
		}
		if req.UniqueKeys && !r.UniqueOn(cols) {
			err := tableerr.New(tableerr.CodeUniqueKeyViolation,
				"%s does not guarantee unique keys on %v", r.path, schema.SortColumnNames(cols)).With("chunk_id", r.ChunkID)
			err.Also = []tableerr.Code{tableerr.CodeSchemaViolation}
			return Result{}, err
		}
		if err := r.Validate(); err != nil {
			return Result{}, err
		}
	}

	if req.Reorder {
		ranges = reorder(ranges, cols)
	}

	for i := range ranges {
		cur := &ranges[i]
		if cur.IsEmpty() {
			continue
		}
		if prev != nil {
			c := chunk.CompareKeys(prev.MaxKey, cur.MinKey, cols)
			if c > 0 {
				return Result{}, tableerr.New(tableerr.CodeSortOrderViolation,
					"sort order violation: max key %v of %s is greater than min key %v of %s",
					prev.MaxKey, prev.path, cur.MinKey, cur.path).
					With("previous_chunk_id", prev.ChunkID).
					With("chunk_id", cur.ChunkID)
			}
			if c == 0 && req.UniqueKeys {
				return Result{}, tableerr.New(tableerr.CodeUniqueKeyViolation,
					"duplicate key %v at the boundary of %s and %s", cur.MinKey, prev.path, cur.path).
					With("previous_chunk_id", prev.ChunkID).
					With("chunk_id", cur.ChunkID)
			}
		}
		prev = cur
	}

	return Result{
		Sorted:   true,
		SortedBy: schema.SortColumnNames(cols),
		Ranges:   unlabel(ranges),
	}, nil
}

// reorder sorts non-empty ranges by (min_key, max_key) and moves empty ranges to the end.
func reorder(ranges []labeled, cols []schema.SortColumn) []labeled {
	out := make([]labeled, 0, len(ranges))
	var empty []labeled
	for _, r := range ranges {
		if r.IsEmpty() {
			empty = append(empty, r)
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := chunk.CompareKeys(out[i].MinKey, out[j].MinKey, cols); c != 0 {
			return c < 0
		}
		return chunk.CompareKeys(out[i].MaxKey, out[j].MaxKey, cols) < 0
	})
	return append(out, empty...)
}

func unlabel(ranges []labeled) []chunk.Range {
	out := make([]chunk.Range, len(ranges))
	for i, r := range ranges {
		out[i] = r.Range
	}
	return out
}

func formatSortColumns(cols []schema.SortColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
		if c.Order == schema.Descending {
			out[i] += " desc"
		}
	}
	return out
}
