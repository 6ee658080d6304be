package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/zeebo/xxh3"

	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

type Row map[string]any

// Range describes a contiguous run of rows inside one chunk. A table is an ordered sequence of
// ranges. SortColumns is the ordering the chunk was written under; it may differ from the table's
// schema and from other chunks of the same table.
type Range struct {
	ChunkID     string              `json:"chunk_id"`
	RowCount    int64               `json:"row_count"`
	SortColumns []schema.SortColumn `json:"sort_columns,omitempty"`
	UniqueKeys  bool                `json:"unique_keys,omitempty"`
	MinKey      Key                 `json:"min_key,omitempty"`
	MaxKey      Key                 `json:"max_key,omitempty"`

	// LowerRow is the offset of the first row of the range within its chunk.
	LowerRow int64 `json:"lower_row,omitempty"`

	// Checksum covers every row of the chunk, not only the rows of the range.
	Checksum uint64 `json:"checksum,omitempty"`
}

func (r Range) IsEmpty() bool {
	return r.RowCount == 0
}

// HasBoundaries reports whether the range exposes ordering metadata.
func (r Range) HasBoundaries() bool {
	return len(r.SortColumns) > 0 && r.MinKey != nil && r.MaxKey != nil
}

// SortedBy reports whether the range's ordering starts with cols, directions included.
func (r Range) SortedBy(cols []schema.SortColumn) bool {
	if len(cols) > len(r.SortColumns) {
		return false
	}
	return slices.Equal(r.SortColumns[:len(cols)], cols)
}

// UniqueOn reports whether keys are unique on exactly cols. Uniqueness on a longer key does not
// imply uniqueness on its prefix.
func (r Range) UniqueOn(cols []schema.SortColumn) bool {
	return r.UniqueKeys && slices.Equal(r.SortColumns, cols)
}

// Validate checks that a range with boundaries has min_key <= max_key under its own ordering.
func (r Range) Validate() error {
	if r.RowCount < 0 || r.LowerRow < 0 {
		return tableerr.New(tableerr.CodeInvalidArgument, "chunk %s has negative row bounds", r.ChunkID)
	}
	if !r.HasBoundaries() {
		return nil
	}
	if CompareKeys(r.MinKey, r.MaxKey, r.SortColumns) > 0 {
		return tableerr.New(tableerr.CodeSortOrderViolation,
			"chunk %s has min key %v greater than max key %v", r.ChunkID, r.MinKey, r.MaxKey)
	}
	return nil
}

func (r Range) Clone() Range {
	out := r
	out.SortColumns = slices.Clone(r.SortColumns)
	out.MinKey = slices.Clone(r.MinKey)
	out.MaxKey = slices.Clone(r.MaxKey)
	return out
}

func TotalRows(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.RowCount
	}
	return n
}

// CountChunks returns the number of distinct chunks referenced by ranges.
func CountChunks(ranges []Range) int {
	seen := make(map[string]struct{}, len(ranges))
	for _, r := range ranges {
		seen[r.ChunkID] = struct{}{}
	}
	return len(seen)
}

// Build describes rows as a new chunk. When cols is non-empty the rows must already be ordered by
// cols, and strictly ordered when unique is set.
func Build(id string, rows []Row, cols []schema.SortColumn, unique bool) (Range, error) {
	r := Range{
		ChunkID:  id,
		RowCount: int64(len(rows)),
		Checksum: Checksum(rows),
	}
	if len(cols) == 0 {
		return r, nil
	}
	r.SortColumns = slices.Clone(cols)
	r.UniqueKeys = unique
	if len(rows) == 0 {
		return r, nil
	}
	prev := KeyOf(rows[0], cols)
	for i := 1; i < len(rows); i++ {
		cur := KeyOf(rows[i], cols)
		c := CompareKeys(prev, cur, cols)
		if c > 0 {
			return Range{}, tableerr.New(tableerr.CodeSortOrderViolation,
				"sort order violation: %v is followed by %v at row %d", prev, cur, i)
		}
		if c == 0 && unique {
			return Range{}, tableerr.New(tableerr.CodeUniqueKeyViolation,
				"duplicate key %v at row %d", cur, i)
		}
		prev = cur
	}
	r.MinKey = KeyOf(rows[0], cols)
	r.MaxKey = prev
	return r, nil
}

// Checksum hashes the canonical encoding of rows.
func Checksum(rows []Row) uint64 {
	h := xxh3.New()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		buf.Reset()
		// Map keys are encoded in sorted order.
		if err := enc.Encode(canonicalRow(row)); err != nil {
			fmt.Fprintf(&buf, "%v\n", row)
		}
		_, _ = h.Write(buf.Bytes())
	}
	return h.Sum64()
}

func canonicalRow(row Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = NormalizeValue(v)
	}
	return out
}

// RowRange selects rows [Lower, Upper) of a table by index. A nil bound is open.
type RowRange struct {
	Lower *int64
	Upper *int64
}

// Slice restricts ranges to the rows selected by rr. Boundary keys of a cut range are kept as the
// outer boundaries of the whole chunk, which still bound the selected rows.
func Slice(ranges []Range, rr RowRange) []Range {
	lower := int64(0)
	if rr.Lower != nil && *rr.Lower > 0 {
		lower = *rr.Lower
	}
	upper := TotalRows(ranges)
	if rr.Upper != nil && *rr.Upper < upper {
		upper = *rr.Upper
	}
	if upper <= lower {
		return nil
	}

	var out []Range
	var offset int64
	for _, r := range ranges {
		start, end := offset, offset+r.RowCount
		offset = end
		if end <= lower || start >= upper {
			continue
		}
		cut := r.Clone()
		from := max(lower, start) - start
		to := min(upper, end) - start
		cut.LowerRow = r.LowerRow + from
		cut.RowCount = to - from
		out = append(out, cut)
	}
	return out
}
