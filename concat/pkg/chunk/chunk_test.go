package chunk

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

func ptr(v int64) *int64 {
	return &v
}

func TestTablecat_Chunk_CompareValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"null before number", nil, int64(-5), -1},
		{"number before boolean", int64(100), false, -1},
		{"boolean before string", true, "", -1},
		{"string before other", "z", []any{int64(1)}, -1},
		{"false before true", false, true, -1},
		{"int64 and float64 compare numerically", int64(2), 1.5, 1},
		{"uint64 above int64 range", uint64(math.MaxUint64), int64(math.MaxInt64), 1},
		{"negative int64 below uint64", int64(-1), uint64(0), -1},
		{"equal across int types", int(7), uint32(7), 0},
		{"strings bytewise", "a", "b", -1},
		{"nulls are equal", nil, nil, 0},
		{"nan after numbers", math.NaN(), 1e300, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, CompareValues(tt.a, tt.b))
			require.Equal(t, -tt.want, CompareValues(tt.b, tt.a))
		})
	}
}

func TestTablecat_Chunk_CompareKeys(t *testing.T) {
	t.Parallel()

	asc := schema.AscendingColumns("a", "b")
	desc := []schema.SortColumn{{Name: "a", Order: schema.Descending}, {Name: "b", Order: schema.Ascending}}

	require.Equal(t, -1, CompareKeys(Key{int64(1), "x"}, Key{int64(1), "y"}, asc))
	require.Equal(t, 1, CompareKeys(Key{int64(1), "x"}, Key{int64(2), "a"}, desc))
	require.Equal(t, -1, CompareKeys(Key{int64(1), "x"}, Key{int64(1), "y"}, desc))
	require.Equal(t, 0, CompareKeys(Key{int64(1)}, Key{int64(1), nil}, asc), "missing values compare as null")
	require.Equal(t, 0, CompareKeys(Key{int64(1), "x"}, Key{int64(1), "y"}, asc[:1]), "only comparator columns count")
}

func TestTablecat_Chunk_Key_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	var k Key
	require.NoError(t, json.Unmarshal([]byte(`[1, 18446744073709551615, 1.5, "s", null, true]`), &k))
	require.Equal(t, Key{int64(1), uint64(math.MaxUint64), 1.5, "s", nil, true}, k)
	require.Equal(t, `[1; 18446744073709551615; 1.5; "s"; #; true]`, k.String())

	var empty Key
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	require.Nil(t, empty)
}

func TestTablecat_Chunk_Build(t *testing.T) {
	t.Parallel()

	cols := schema.AscendingColumns("k")

	t.Run("records boundaries of ordered rows", func(t *testing.T) {
		t.Parallel()
		rows := []Row{{"k": 1, "v": "a"}, {"k": 1, "v": "b"}, {"k": 3}}
		r, err := Build("c1", rows, cols, false)
		require.NoError(t, err)
		require.Equal(t, int64(3), r.RowCount)
		require.Equal(t, Key{int64(1)}, r.MinKey)
		require.Equal(t, Key{int64(3)}, r.MaxKey)
		require.True(t, r.HasBoundaries())
		require.True(t, r.SortedBy(cols))
		require.False(t, r.UniqueOn(cols))
		require.NoError(t, r.Validate())
	})

	t.Run("rejects unordered rows", func(t *testing.T) {
		t.Parallel()
		_, err := Build("c1", []Row{{"k": 2}, {"k": 1}}, cols, false)
		require.ErrorIs(t, err, tableerr.ErrSortOrderViolation)
	})

	t.Run("rejects duplicate keys when unique", func(t *testing.T) {
		t.Parallel()
		_, err := Build("c1", []Row{{"k": 1}, {"k": 1}}, cols, true)
		require.ErrorIs(t, err, tableerr.ErrUniqueKeyViolation)
	})

	t.Run("unsorted chunk has no boundaries", func(t *testing.T) {
		t.Parallel()
		r, err := Build("c1", []Row{{"k": 2}, {"k": 1}}, nil, false)
		require.NoError(t, err)
		require.False(t, r.HasBoundaries())
	})

	t.Run("empty sorted chunk", func(t *testing.T) {
		t.Parallel()
		r, err := Build("c1", nil, cols, true)
		require.NoError(t, err)
		require.True(t, r.IsEmpty())
		require.False(t, r.HasBoundaries())
	})
}

func TestTablecat_Chunk_Range(t *testing.T) {
	t.Parallel()

	t.Run("sorted by prefix with matching directions", func(t *testing.T) {
		t.Parallel()
		r := Range{SortColumns: schema.AscendingColumns("a", "b"), UniqueKeys: true}
		require.True(t, r.SortedBy(schema.AscendingColumns("a")))
		require.True(t, r.SortedBy(schema.AscendingColumns("a", "b")))
		require.False(t, r.SortedBy(schema.AscendingColumns("a", "b", "c")))
		require.False(t, r.SortedBy([]schema.SortColumn{{Name: "a", Order: schema.Descending}}))
		require.True(t, r.UniqueOn(schema.AscendingColumns("a", "b")))
		require.False(t, r.UniqueOn(schema.AscendingColumns("a")))
	})

	t.Run("validate rejects inverted boundaries", func(t *testing.T) {
		t.Parallel()
		r := Range{ChunkID: "c", RowCount: 2, SortColumns: schema.AscendingColumns("a"), MinKey: Key{int64(5)}, MaxKey: Key{int64(1)}}
		require.ErrorIs(t, r.Validate(), tableerr.ErrSortOrderViolation)
	})

	t.Run("clone does not share keys", func(t *testing.T) {
		t.Parallel()
		r := Range{MinKey: Key{int64(1)}, SortColumns: schema.AscendingColumns("a")}
		c := r.Clone()
		c.MinKey[0] = int64(9)
		c.SortColumns[0].Name = "z"
		require.Equal(t, int64(1), r.MinKey[0])
		require.Equal(t, "a", r.SortColumns[0].Name)
	})

	t.Run("counts rows and distinct chunks", func(t *testing.T) {
		t.Parallel()
		ranges := []Range{{ChunkID: "a", RowCount: 2}, {ChunkID: "b", RowCount: 3}, {ChunkID: "a", RowCount: 2}}
		require.Equal(t, int64(7), TotalRows(ranges))
		require.Equal(t, 2, CountChunks(ranges))
	})
}

func TestTablecat_Chunk_Checksum(t *testing.T) {
	t.Parallel()

	a := []Row{{"x": 1, "y": "s"}, {"x": nil}}
	b := []Row{{"y": "s", "x": int64(1)}, {"x": nil}}
	require.Equal(t, Checksum(a), Checksum(b), "key order and integer width do not matter")
	require.NotEqual(t, Checksum(a), Checksum(a[:1]))
	require.NotEqual(t, Checksum([]Row{{"x": 1}}), Checksum([]Row{{"x": 2}}))
}

func TestTablecat_Chunk_Slice(t *testing.T) {
	t.Parallel()

	ranges := []Range{
		{ChunkID: "a", RowCount: 4, MinKey: Key{int64(1)}, MaxKey: Key{int64(4)}},
		{ChunkID: "b", RowCount: 3, LowerRow: 2},
	}

	t.Run("cuts across ranges", func(t *testing.T) {
		t.Parallel()
		out := Slice(ranges, RowRange{Lower: ptr(2), Upper: ptr(5)})
		require.Len(t, out, 2)
		require.Equal(t, "a", out[0].ChunkID)
		require.Equal(t, int64(2), out[0].LowerRow)
		require.Equal(t, int64(2), out[0].RowCount)
		require.Equal(t, Key{int64(1)}, out[0].MinKey, "cut range keeps the chunk's outer boundaries")
		require.Equal(t, "b", out[1].ChunkID)
		require.Equal(t, int64(2), out[1].LowerRow)
		require.Equal(t, int64(1), out[1].RowCount)
	})

	t.Run("open bounds", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, int64(7), TotalRows(Slice(ranges, RowRange{})))
		require.Equal(t, int64(2), TotalRows(Slice(ranges, RowRange{Lower: ptr(5)})))
		require.Equal(t, int64(1), TotalRows(Slice(ranges, RowRange{Upper: ptr(1)})))
	})

	t.Run("empty selection", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, Slice(ranges, RowRange{Lower: ptr(5), Upper: ptr(5)}))
		require.Empty(t, Slice(ranges, RowRange{Lower: ptr(10)}))
	})

	t.Run("does not modify the input", func(t *testing.T) {
		t.Parallel()
		_ = Slice(ranges, RowRange{Lower: ptr(1)})
		require.Equal(t, int64(0), ranges[0].LowerRow)
		require.Equal(t, int64(4), ranges[0].RowCount)
	})
}
