package schema

import (
	"fmt"
	"slices"

	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

// Mode records whether a table's schema was declared explicitly (strict) or inferred (weak).
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeWeak   Mode = "weak"
)

// Validate rejects modes other than strict and weak.
func (m Mode) Validate() error {
	switch m {
	case ModeStrict, ModeWeak:
		return nil
	}
	return fmt.Errorf("invalid schema mode %q", m)
}

// SortOrder is the direction of a key column. SortNone marks a column outside the key.
type SortOrder string

const (
	SortNone   SortOrder = ""
	Ascending  SortOrder = "ascending"
	Descending SortOrder = "descending"
)

// Validate rejects unknown directions.
func (o SortOrder) Validate() error {
	switch o {
	case SortNone, Ascending, Descending:
		return nil
	}
	return fmt.Errorf("invalid sort order %q", o)
}

// Column describes one named, typed column. A non-empty SortOrder makes it part of the key
// prefix.
type Column struct {
	Name      string    `json:"name" yaml:"name"`
	Type      Type      `json:"type" yaml:"type"`
	Required  bool      `json:"required" yaml:"required"`
	SortOrder SortOrder `json:"sort_order,omitempty" yaml:"sort_order,omitempty"`
}

// SortColumn is one entry of a comparator: a column name and its direction.
type SortColumn struct {
	Name  string    `json:"name" yaml:"name"`
	Order SortOrder `json:"sort_order" yaml:"sort_order"`
}

// SortColumnNames returns the names of cols in order.
func SortColumnNames(cols []SortColumn) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// AscendingColumns builds an ascending comparator over the given names.
func AscendingColumns(names ...string) []SortColumn {
	cols := make([]SortColumn, len(names))
	for i, n := range names {
		cols[i] = SortColumn{Name: n, Order: Ascending}
	}
	return cols
}

// Schema is an immutable ordered list of columns. Methods never modify the receiver.
type Schema struct {
	Columns    []Column `json:"columns" yaml:"columns"`
	Strict     bool     `json:"strict" yaml:"strict"`
	UniqueKeys bool     `json:"unique_keys" yaml:"unique_keys"`
}

// Empty returns the schema of a table created without one.
func Empty() Schema {
	return Schema{}
}

// New returns a schema over a copy of cols. unique_keys is off.
func New(strict bool, cols ...Column) Schema {
	return Schema{Columns: slices.Clone(cols), Strict: strict}
}

// Validate checks that column names are unique and non-empty, that types and sort orders are
// known, and that key columns form a prefix. unique_keys needs at least one key column. Failures
// are InvalidArgument errors.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Columns))
	keyPrefix := true
	for i, c := range s.Columns {
		if c.Name == "" {
			return tableerr.New(tableerr.CodeInvalidArgument, "column %d has no name", i)
		}
		if _, ok := seen[c.Name]; ok {
			return tableerr.New(tableerr.CodeInvalidArgument, "duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if err := c.Type.Validate(); err != nil {
			return tableerr.Wrap(tableerr.CodeInvalidArgument, err, "invalid column %q", c.Name)
		}
		if err := c.SortOrder.Validate(); err != nil {
			return tableerr.Wrap(tableerr.CodeInvalidArgument, err, "invalid column %q", c.Name)
		}
		if c.SortOrder == SortNone {
			keyPrefix = false
		} else if !keyPrefix {
			return tableerr.New(tableerr.CodeInvalidArgument, "key column %q does not belong to the key prefix", c.Name)
		}
	}
	if s.UniqueKeys && len(s.KeyColumns()) == 0 {
		return tableerr.New(tableerr.CodeInvalidArgument, "unique_keys requires at least one key column")
	}
	return nil
}

// IsEmpty reports whether the schema declares no columns.
func (s Schema) IsEmpty() bool {
	return len(s.Columns) == 0
}

// Column looks a column up by name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// KeyColumns returns the names of the key prefix.
func (s Schema) KeyColumns() []string {
	return SortColumnNames(s.SortColumns())
}

// SortColumns returns the key prefix as a comparator. It is nil for unsorted schemas.
func (s Schema) SortColumns() []SortColumn {
	var cols []SortColumn
	for _, c := range s.Columns {
		if c.SortOrder == SortNone {
			break
		}
		cols = append(cols, SortColumn{Name: c.Name, Order: c.SortOrder})
	}
	return cols
}

// IsSorted reports whether the first column carries a sort order.
func (s Schema) IsSorted() bool {
	return len(s.Columns) > 0 && s.Columns[0].SortOrder != SortNone
}

// IsUniqueOn reports whether the schema guarantees unique keys on exactly cols.
func (s Schema) IsUniqueOn(cols []SortColumn) bool {
	return s.UniqueKeys && slices.Equal(s.SortColumns(), cols)
}

// Equal compares columns, strictness and unique_keys.
func (s Schema) Equal(o Schema) bool {
	return s.Strict == o.Strict && s.UniqueKeys == o.UniqueKeys && slices.Equal(s.Columns, o.Columns)
}

// WithoutSortOrder returns a copy with every sort order cleared and unique_keys off.
func (s Schema) WithoutSortOrder() Schema {
	out := Schema{Columns: slices.Clone(s.Columns), Strict: s.Strict}
	for i := range out.Columns {
		out.Columns[i].SortOrder = SortNone
	}
	return out
}

// WithStrict returns a copy with the strict flag set to strict.
func (s Schema) WithStrict(strict bool) Schema {
	out := s
	out.Columns = slices.Clone(s.Columns)
	out.Strict = strict
	return out
}

// WithSortColumns returns a copy sorted by cols. The named columns move to the front in comparator
// order and every other column loses its sort order.
func (s Schema) WithSortColumns(cols []SortColumn) (Schema, error) {
	out := Schema{Strict: s.Strict, Columns: make([]Column, 0, len(s.Columns))}
	used := make(map[string]struct{}, len(cols))
	for _, sc := range cols {
		if err := sc.Order.Validate(); err != nil || sc.Order == SortNone {
			return Schema{}, tableerr.New(tableerr.CodeInvalidArgument, "invalid sort order for column %q", sc.Name)
		}
		if _, dup := used[sc.Name]; dup {
			return Schema{}, tableerr.New(tableerr.CodeInvalidArgument, "duplicate sort column %q", sc.Name)
		}
		c, ok := s.Column(sc.Name)
		if !ok {
			if s.Strict {
				return Schema{}, tableerr.New(tableerr.CodeSchemaViolation, "sort column %q is not found in strict schema", sc.Name)
			}
			c = Column{Name: sc.Name, Type: TypeAny}
		}
		c.SortOrder = sc.Order
		out.Columns = append(out.Columns, c)
		used[sc.Name] = struct{}{}
	}
	for _, c := range s.Columns {
		if _, ok := used[c.Name]; ok {
			continue
		}
		c.SortOrder = SortNone
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

// IsCompatibleSubsetOf reports whether rows valid under s are also valid under other.
func (s Schema) IsCompatibleSubsetOf(other Schema) bool {
	return s.CheckCompatibleSubsetOf(other) == nil
}

// CheckCompatibleSubsetOf returns a SchemaViolation describing the first reason rows valid under s
// may be invalid under other. Sort orders are not considered.
func (s Schema) CheckCompatibleSubsetOf(other Schema) error {
	if other.Strict && !s.Strict {
		return tableerr.New(tableerr.CodeSchemaViolation, "weak schema cannot be written to a strict schema")
	}
	for _, c := range s.Columns {
		oc, ok := other.Column(c.Name)
		if !ok {
			if other.Strict {
				return tableerr.New(tableerr.CodeSchemaViolation, "column %q is not found in strict output schema", c.Name)
			}
			if c.Type.IsComplex() {
				return tableerr.New(tableerr.CodeSchemaViolation, "column %q is missing in strict part of output schema", c.Name)
			}
			continue
		}
		if !c.Type.WidensTo(oc.Type) {
			return tableerr.New(tableerr.CodeSchemaViolation, "column %q has type %s which is incompatible with %s", c.Name, c.Type, oc.Type)
		}
		if oc.Required && !c.Required {
			return tableerr.New(tableerr.CodeSchemaViolation, "column %q is optional but the output schema requires it", c.Name)
		}
	}
	if other.Strict {
		for _, oc := range other.Columns {
			if !oc.Required {
				continue
			}
			if _, ok := s.Column(oc.Name); !ok {
				return tableerr.New(tableerr.CodeSchemaViolation, "required column %q is missing", oc.Name)
			}
		}
	}
	return nil
}

// Merge is shorthand for Merge(s, other).
func (s Schema) Merge(other Schema) (Schema, error) {
	return Merge(s, other)
}

// Merge unions the columns of schemas in first-seen order. A column is required only when every
// input declares it required, and the result is strict only when every input is strict. Sort
// orders and unique_keys are dropped. Conflicting column types fail with IncompatibleSchemas.
func Merge(schemas ...Schema) (Schema, error) {
	if len(schemas) == 0 {
		return Empty(), nil
	}

	out := Schema{Strict: true}
	index := make(map[string]int)
	for _, s := range schemas {
		out.Strict = out.Strict && s.Strict
		for _, c := range s.Columns {
			i, ok := index[c.Name]
			if !ok {
				index[c.Name] = len(out.Columns)
				c.SortOrder = SortNone
				out.Columns = append(out.Columns, c)
				continue
			}
			if out.Columns[i].Type != c.Type {
				return Schema{}, tableerr.New(tableerr.CodeIncompatibleSchemas,
					"conflicting types for column %q: %s and %s", c.Name, out.Columns[i].Type, c.Type)
			}
			out.Columns[i].Required = out.Columns[i].Required && c.Required
		}
	}

	// A column absent from some input was not required there.
	for i, c := range out.Columns {
		if !c.Required {
			continue
		}
		for _, s := range schemas {
			if _, ok := s.Column(c.Name); !ok {
				out.Columns[i].Required = false
				break
			}
		}
	}
	return out, nil
}
