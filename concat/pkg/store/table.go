package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

const (
	AttrType             = "type"
	AttrID               = "id"
	AttrSchema           = "schema"
	AttrSchemaMode       = "schema_mode"
	AttrSorted           = "sorted"
	AttrSortedBy         = "sorted_by"
	AttrRowCount         = "row_count"
	AttrChunkCount       = "chunk_count"
	AttrModificationTime = "modification_time"
)

// TableMeta is the typed view of a table node's attributes.
type TableMeta struct {
	Schema           schema.Schema `json:"schema"`
	SchemaMode       schema.Mode   `json:"schema_mode"`
	Sorted           bool          `json:"sorted"`
	SortedBy         []string      `json:"sorted_by"`
	RowCount         int64         `json:"row_count"`
	ChunkCount       int64         `json:"chunk_count"`
	ModificationTime time.Time     `json:"modification_time"`
}

// Explicit reports whether the schema was declared rather than inferred.
func (m TableMeta) Explicit() bool {
	return m.SchemaMode == schema.ModeStrict
}

func GetNodeType(ctx context.Context, tx Tx, path string) (NodeType, error) {
	var typ NodeType
	if err := tx.Get(ctx, path, AttrType, &typ); err != nil {
		return "", err
	}
	return typ, nil
}

func ReadTableMeta(ctx context.Context, tx Tx, path string) (TableMeta, error) {
	var m TableMeta
	fields := []struct {
		attr string
		out  any
	}{
		{AttrSchema, &m.Schema},
		{AttrSchemaMode, &m.SchemaMode},
		{AttrSorted, &m.Sorted},
		{AttrSortedBy, &m.SortedBy},
		{AttrRowCount, &m.RowCount},
		{AttrChunkCount, &m.ChunkCount},
	}
	for _, f := range fields {
		if err := tx.Get(ctx, path, f.attr, f.out); err != nil {
			return TableMeta{}, fmt.Errorf("failed to get %s of %s: %w", f.attr, path, err)
		}
	}
	// Tables that were never modified have no modification time.
	var mtime string
	if err := tx.Get(ctx, path, AttrModificationTime, &mtime); err == nil && mtime != "" {
		t, err := time.Parse(time.RFC3339Nano, mtime)
		if err != nil {
			return TableMeta{}, fmt.Errorf("failed to parse modification time of %s: %w", path, err)
		}
		m.ModificationTime = t
	}
	return m, nil
}

// WriteTableMeta writes every attribute of m. Callers commit the transaction to publish them
// together with the data change.
func WriteTableMeta(ctx context.Context, tx Tx, path string, m TableMeta) error {
	sortedBy := m.SortedBy
	if sortedBy == nil {
		sortedBy = []string{}
	}
	values := []struct {
		attr  string
		value any
	}{
		{AttrSchema, m.Schema},
		{AttrSchemaMode, m.SchemaMode},
		{AttrSorted, m.Sorted},
		{AttrSortedBy, sortedBy},
		{AttrRowCount, m.RowCount},
		{AttrChunkCount, m.ChunkCount},
	}
	if !m.ModificationTime.IsZero() {
		values = append(values, struct {
			attr  string
			value any
		}{AttrModificationTime, m.ModificationTime.UTC().Format(time.RFC3339Nano)})
	}
	for _, v := range values {
		if err := tx.Set(ctx, path, v.attr, v.value); err != nil {
			return fmt.Errorf("failed to set %s of %s: %w", v.attr, path, err)
		}
	}
	return nil
}

// EncodeAttributes encodes attribute values. Table nodes get their default table attributes, with
// schema_mode strict when a schema is supplied.
func EncodeAttributes(typ NodeType, attrs map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(attrs)+6)
	for k, v := range attrs {
		if k == AttrType || k == AttrID {
			return nil, tableerr.New(tableerr.CodeInvalidArgument, "attribute %q is read-only", k)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attribute %q: %w", k, err)
		}
		out[k] = b
	}
	if typ != NodeTypeTable {
		return out, nil
	}

	s := schema.Empty()
	if raw, ok := out[AttrSchema]; ok {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, tableerr.Wrap(tableerr.CodeInvalidArgument, err, "invalid schema")
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, ok := out[AttrSchemaMode]; !ok {
			out[AttrSchemaMode] = mustJSON(schema.ModeStrict)
		}
	}
	out[AttrSchema] = mustJSON(s)
	defaults := map[string]any{
		AttrSchemaMode: schema.ModeWeak,
		AttrSorted:     s.IsSorted(),
		AttrSortedBy:   nonNil(s.KeyColumns()),
		AttrRowCount:   int64(0),
		AttrChunkCount: int64(0),
	}
	for k, v := range defaults {
		if _, ok := out[k]; !ok {
			out[k] = mustJSON(v)
		}
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeAttribute decodes a stored attribute value into out.
func DecodeAttribute(path, attr string, raw json.RawMessage, ok bool, out any) error {
	if !ok {
		return tableerr.New(tableerr.CodeNotFound, "attribute %q of %s is not found", attr, path)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode attribute %q of %s: %w", attr, path, err)
	}
	return nil
}

// PrepareChunk validates rows against a table and describes them as a new chunk. last is the
// table's final non-empty range when appending, if any.
func PrepareChunk(id string, meta TableMeta, last *chunk.Range, rows []chunk.Row, opts WriteRowsOptions) (chunk.Range, error) {
	if meta.Schema.Strict {
		for i, row := range rows {
			for name := range row {
				if _, ok := meta.Schema.Column(name); !ok {
					return chunk.Range{}, tableerr.New(tableerr.CodeSchemaViolation,
						"row %d has column %q which is not found in strict schema", i, name)
				}
			}
		}
	}
	for i, row := range rows {
		for _, c := range meta.Schema.Columns {
			if c.Required && row[c.Name] == nil {
				return chunk.Range{}, tableerr.New(tableerr.CodeSchemaViolation,
					"row %d is missing required column %q", i, c.Name)
			}
		}
	}

	cols, unique := opts.SortColumns, opts.UniqueKeys
	tableSorted := meta.Sorted && meta.Schema.IsSorted()
	if len(cols) == 0 && tableSorted {
		cols, unique = meta.Schema.SortColumns(), meta.Schema.UniqueKeys
	}
	r, err := chunk.Build(id, rows, cols, unique)
	if err != nil {
		return chunk.Range{}, err
	}

	if tableSorted && last != nil && !r.IsEmpty() && last.HasBoundaries() {
		tcols := meta.Schema.SortColumns()
		c := chunk.CompareKeys(last.MaxKey, r.MinKey, tcols)
		if c > 0 {
			return chunk.Range{}, tableerr.New(tableerr.CodeSortOrderViolation,
				"sort order violation: appended key %v is less than last key %v", r.MinKey, last.MaxKey)
		}
		if c == 0 && meta.Schema.UniqueKeys {
			return chunk.Range{}, tableerr.New(tableerr.CodeUniqueKeyViolation,
				"duplicate key %v in appended rows", r.MinKey)
		}
	}
	return r, nil
}

// LastNonEmpty returns the final range with rows, or nil.
func LastNonEmpty(ranges []chunk.Range) *chunk.Range {
	for i := len(ranges) - 1; i >= 0; i-- {
		if !ranges[i].IsEmpty() {
			return &ranges[i]
		}
	}
	return nil
}
