package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

var (
	ab = schema.New(true,
		schema.Column{Name: "a", Type: schema.TypeInt64},
		schema.Column{Name: "b", Type: schema.TypeString},
	)
	sortedAB = schema.New(true,
		schema.Column{Name: "a", Type: schema.TypeInt64, SortOrder: schema.Ascending},
		schema.Column{Name: "b", Type: schema.TypeString},
	)
)

func sources(schemas ...schema.Schema) []Source {
	out := make([]Source, len(schemas))
	for i, s := range schemas {
		out[i] = Source{Path: "//tmp/src", Schema: s}
	}
	return out
}

func TestTablecat_Reconcile_Reconcile(t *testing.T) {
	t.Parallel()

	t.Run("zero sources keeps the destination", func(t *testing.T) {
		t.Parallel()
		res, err := Reconcile(Destination{Schema: sortedAB, Explicit: true}, nil, false)
		require.NoError(t, err)
		require.True(t, res.Schema.Equal(sortedAB))
		require.Equal(t, schema.ModeStrict, res.Mode)
	})

	t.Run("explicit destination accepts compatible subsets", func(t *testing.T) {
		t.Parallel()
		subset := schema.New(true, schema.Column{Name: "a", Type: schema.TypeInt64})
		res, err := Reconcile(Destination{Schema: ab, Explicit: true}, sources(ab, subset), false)
		require.NoError(t, err)
		require.True(t, res.Schema.Equal(ab))
		require.Equal(t, schema.ModeStrict, res.Mode)
	})

	t.Run("explicit destination rejects incompatible source", func(t *testing.T) {
		t.Parallel()
		bad := schema.New(true, schema.Column{Name: "a", Type: schema.TypeString})
		_, err := Reconcile(Destination{Schema: ab, Explicit: true}, sources(bad), false)
		require.ErrorIs(t, err, tableerr.ErrSchemaViolation)
		require.Contains(t, err.Error(), "schema of //tmp/src is incompatible with destination schema")
	})

	t.Run("explicit destination rejects weak source", func(t *testing.T) {
		t.Parallel()
		_, err := Reconcile(Destination{Schema: ab, Explicit: true}, sources(schema.Empty()), true)
		require.ErrorIs(t, err, tableerr.ErrSchemaViolation)
		require.Contains(t, err.Error(), "weak schema cannot be written to a strict schema")
	})

	t.Run("inferred destination takes the union of sources", func(t *testing.T) {
		t.Parallel()
		other := schema.New(true, schema.Column{Name: "c", Type: schema.TypeDouble})
		res, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab, other), false)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, res.Schema.ColumnNames())
		require.True(t, res.Schema.Strict)
		require.Equal(t, schema.ModeStrict, res.Mode)
	})

	t.Run("inferred destination of identical sources is the source schema", func(t *testing.T) {
		t.Parallel()
		res, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab, ab), false)
		require.NoError(t, err)
		require.True(t, res.Schema.Equal(ab))
	})

	t.Run("inferred destination with a weak source is weak", func(t *testing.T) {
		t.Parallel()
		res, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab, schema.Empty()), false)
		require.NoError(t, err)
		require.Equal(t, schema.ModeWeak, res.Mode)
		require.False(t, res.Schema.Strict)
	})

	t.Run("conflicting source types degrade to an empty weak schema", func(t *testing.T) {
		t.Parallel()
		conflict := schema.New(true, schema.Column{Name: "a", Type: schema.TypeString})
		res, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab, conflict), false)
		require.NoError(t, err)
		require.True(t, res.Schema.IsEmpty())
		require.Equal(t, schema.ModeWeak, res.Mode)
	})

	t.Run("append into empty weak destination stays weak and empty", func(t *testing.T) {
		t.Parallel()
		res, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab), true)
		require.NoError(t, err)
		require.True(t, res.Schema.IsEmpty())
		require.Equal(t, schema.ModeWeak, res.Mode)
	})

	t.Run("append into weak destination merges it with sources", func(t *testing.T) {
		t.Parallel()
		dst := schema.New(true, schema.Column{Name: "z", Type: schema.TypeBoolean})
		res, err := Reconcile(Destination{Schema: dst}, sources(sortedAB), true)
		require.NoError(t, err)
		require.Equal(t, []string{"z", "a", "b"}, res.Schema.ColumnNames())
		require.False(t, res.Schema.IsSorted())
		require.Equal(t, schema.ModeWeak, res.Mode)
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()
		first, err := Reconcile(Destination{Schema: schema.Empty()}, sources(ab), false)
		require.NoError(t, err)
		second, err := Reconcile(Destination{Schema: first.Schema, Explicit: first.Mode == schema.ModeStrict}, sources(ab), false)
		require.NoError(t, err)
		require.True(t, first.Schema.Equal(second.Schema))
		require.Equal(t, first.Mode, second.Mode)
	})
}

func TestTablecat_Reconcile_WithSortedBy(t *testing.T) {
	t.Parallel()

	t.Run("no request leaves the result unchanged", func(t *testing.T) {
		t.Parallel()
		in := Result{Schema: ab, Mode: schema.ModeStrict}
		out, err := WithSortedBy(in, sources(ab), nil)
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("applies requested columns", func(t *testing.T) {
		t.Parallel()
		out, err := WithSortedBy(Result{Schema: ab, Mode: schema.ModeStrict}, sources(ab), schema.AscendingColumns("b"))
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, out.Schema.KeyColumns())
		require.False(t, out.Schema.UniqueKeys)
	})

	t.Run("keeps unique keys when every source is unique on the columns", func(t *testing.T) {
		t.Parallel()
		unique := sortedAB
		unique.UniqueKeys = true
		out, err := WithSortedBy(Result{Schema: ab, Mode: schema.ModeStrict}, sources(unique, unique), schema.AscendingColumns("a"))
		require.NoError(t, err)
		require.True(t, out.Schema.UniqueKeys)

		out, err = WithSortedBy(Result{Schema: ab, Mode: schema.ModeStrict}, sources(unique, sortedAB), schema.AscendingColumns("a"))
		require.NoError(t, err)
		require.False(t, out.Schema.UniqueKeys)
	})

	t.Run("sorted destination must match the request", func(t *testing.T) {
		t.Parallel()
		_, err := WithSortedBy(Result{Schema: sortedAB, Mode: schema.ModeStrict}, sources(sortedAB), schema.AscendingColumns("a", "b"))
		require.ErrorIs(t, err, tableerr.ErrSchemaViolation)

		out, err := WithSortedBy(Result{Schema: sortedAB, Mode: schema.ModeStrict}, sources(sortedAB), schema.AscendingColumns("a"))
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, out.Schema.KeyColumns())
	})

	t.Run("strict destination without the column", func(t *testing.T) {
		t.Parallel()
		_, err := WithSortedBy(Result{Schema: ab, Mode: schema.ModeStrict}, sources(ab), schema.AscendingColumns("missing"))
		require.ErrorIs(t, err, tableerr.ErrSchemaViolation)
	})
}

func TestTablecat_Reconcile_UniqueKeys(t *testing.T) {
	t.Parallel()

	unique := sortedAB
	unique.UniqueKeys = true
	require.True(t, UniqueKeys(unique, unique))
	require.False(t, UniqueKeys(unique, sortedAB))
	require.False(t, UniqueKeys())
}
