package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
	tablecattesting "github.com/malbeclabs/tablecat/utils/pkg/testing"
)

func newStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := New(Config{Logger: tablecattesting.NewLogger(), Clock: clock})
	require.NoError(t, err)
	return s
}

func begin(t *testing.T, s *Store, parent string) store.Tx {
	t.Helper()
	tx, err := s.Begin(t.Context(), store.BeginOptions{ParentID: parent, Title: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Abort(context.Background()) })
	return tx
}

func TestTablecat_Memstore_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")

	cfg := Config{Logger: tablecattesting.NewLogger()}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestTablecat_Memstore_Nodes(t *testing.T) {
	t.Parallel()

	t.Run("create get set and remove", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		id, err := tx.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		typ, err := store.GetNodeType(ctx, tx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, store.NodeTypeTable, typ)

		var gotID string
		require.NoError(t, tx.Get(ctx, "//tmp/t", store.AttrID, &gotID))
		require.Equal(t, id, gotID)

		require.NoError(t, tx.Set(ctx, "//tmp/t", "owner", "ops"))
		var owner string
		require.NoError(t, tx.Get(ctx, "//tmp/t", "owner", &owner))
		require.Equal(t, "ops", owner)

		require.ErrorIs(t, tx.Set(ctx, "//tmp/t", store.AttrType, "file"), tableerr.ErrInvalidArgument)
		require.ErrorIs(t, tx.Get(ctx, "//tmp/t", "missing", &owner), tableerr.ErrNotFound)

		require.NoError(t, tx.Remove(ctx, "//tmp/t", false))
		ok, err := tx.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok)
		require.ErrorIs(t, tx.Remove(ctx, "//tmp/t", false), tableerr.ErrNotFound)
		require.NoError(t, tx.Remove(ctx, "//tmp/t", true))
	})

	t.Run("create rejects duplicates and bad input", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		_, err := tx.Create(ctx, store.NodeTypeFile, "//tmp/f", nil)
		require.NoError(t, err)
		_, err = tx.Create(ctx, store.NodeTypeFile, "//tmp/f", nil)
		require.ErrorIs(t, err, tableerr.ErrAlreadyExists)
		_, err = tx.Create(ctx, "link", "//tmp/l", nil)
		require.ErrorIs(t, err, tableerr.ErrInvalidArgument)
		_, err = tx.Create(ctx, store.NodeTypeFile, "tmp/f", nil)
		require.ErrorIs(t, err, tableerr.ErrInvalidArgument)
	})

	t.Run("table meta round trips", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		sch := schema.New(true, schema.Column{Name: "a", Type: schema.TypeInt64, SortOrder: schema.Ascending})
		_, err := tx.Create(ctx, store.NodeTypeTable, "//tmp/t", map[string]any{store.AttrSchema: sch})
		require.NoError(t, err)

		meta, err := store.ReadTableMeta(ctx, tx, "//tmp/t")
		require.NoError(t, err)
		require.True(t, meta.Schema.Equal(sch))
		require.Equal(t, schema.ModeStrict, meta.SchemaMode)
		require.True(t, meta.Sorted)
		require.Equal(t, []string{"a"}, meta.SortedBy)
		require.True(t, meta.ModificationTime.IsZero())

		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		meta.RowCount, meta.ChunkCount, meta.ModificationTime = 10, 2, now
		require.NoError(t, store.WriteTableMeta(ctx, tx, "//tmp/t", meta))
		again, err := store.ReadTableMeta(ctx, tx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, int64(10), again.RowCount)
		require.Equal(t, int64(2), again.ChunkCount)
		require.True(t, now.Equal(again.ModificationTime))
	})
}

func TestTablecat_Memstore_Transactions(t *testing.T) {
	t.Parallel()

	t.Run("changes are visible after commit only", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		writer := begin(t, s, "")
		_, err := writer.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)

		reader := begin(t, s, "")
		ok, err := reader.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, writer.Commit(ctx))
		ok, err = reader.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok, "reader keeps its snapshot")

		late := begin(t, s, "")
		ok, err = late.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("nested commits publish to the parent", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		parent := begin(t, s, "")
		child := begin(t, s, parent.ID())
		_, err := child.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)

		ok, err := parent.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, child.Commit(ctx))
		ok, err = parent.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.True(t, ok)

		outside := begin(t, s, "")
		ok, err = outside.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("aborted nested transaction leaves the parent unchanged", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		parent := begin(t, s, "")
		child := begin(t, s, parent.ID())
		_, err := child.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)
		require.NoError(t, child.Abort(ctx))
		require.NoError(t, child.Abort(ctx), "abort is idempotent")

		ok, err := parent.Exists(ctx, "//tmp/t")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("commit with unfinished nested transaction fails", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		parent := begin(t, s, "")
		_ = begin(t, s, parent.ID())
		require.ErrorIs(t, parent.Commit(ctx), tableerr.ErrInvalidArgument)
	})

	t.Run("finished transaction rejects operations", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		tx := begin(t, s, "")
		require.NoError(t, tx.Commit(ctx))
		_, err := tx.Exists(ctx, "//tmp/t")
		require.ErrorIs(t, err, tableerr.ErrInvalidArgument)
		require.ErrorIs(t, tx.Commit(ctx), tableerr.ErrInvalidArgument)
	})

	t.Run("attach and unknown parents", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)

		tx := begin(t, s, "")
		attached, err := s.Attach(ctx, tx.ID())
		require.NoError(t, err)
		require.Equal(t, tx.ID(), attached.ID())

		_, err = s.Attach(ctx, "0-0-0-0")
		require.ErrorIs(t, err, tableerr.ErrNotFound)
		_, err = s.Begin(ctx, store.BeginOptions{ParentID: "0-0-0-0"})
		require.ErrorIs(t, err, tableerr.ErrNotFound)

		require.NoError(t, tx.Commit(ctx))
		_, err = s.Attach(ctx, tx.ID())
		require.ErrorIs(t, err, tableerr.ErrNotFound)
	})
}

func TestTablecat_Memstore_Locks(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	s := newStore(t, nil)
	setup := begin(t, s, "")
	_, err := setup.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
	require.NoError(t, err)
	require.NoError(t, setup.Commit(ctx))

	a := begin(t, s, "")
	b := begin(t, s, "")

	require.NoError(t, a.Lock(ctx, "//tmp/t", store.LockShared))
	require.NoError(t, b.Lock(ctx, "//tmp/t", store.LockShared))
	require.NoError(t, b.Lock(ctx, "//tmp/t", store.LockSnapshot))

	err = a.Lock(ctx, "//tmp/t", store.LockExclusive)
	require.ErrorIs(t, err, tableerr.ErrLockConflict)
	require.Contains(t, err.Error(), "cannot take exclusive lock for node //tmp/t since shared lock is taken by concurrent transaction "+b.ID())

	require.NoError(t, b.Abort(ctx))
	require.NoError(t, a.Lock(ctx, "//tmp/t", store.LockExclusive))

	child := begin(t, s, a.ID())
	require.NoError(t, child.Lock(ctx, "//tmp/t", store.LockExclusive), "descendants do not conflict with ancestors")

	other := begin(t, s, "")
	require.NoError(t, other.Lock(ctx, "//tmp/t", store.LockSnapshot))
	require.ErrorIs(t, other.Lock(ctx, "//tmp/t", store.LockShared), tableerr.ErrLockConflict)
	require.ErrorIs(t, other.Set(ctx, "//tmp/t", "x", 1), tableerr.ErrLockConflict)

	require.ErrorIs(t, a.Lock(ctx, "//tmp/t", "weird"), tableerr.ErrInvalidArgument)
	require.ErrorIs(t, a.Lock(ctx, "//tmp/missing", store.LockShared), tableerr.ErrNotFound)

	require.NoError(t, child.Commit(ctx))
	require.NoError(t, a.Commit(ctx))
	require.NoError(t, other.Lock(ctx, "//tmp/t", store.LockShared), "locks are released on commit")
}

func TestTablecat_Memstore_StaleSnapshots(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *Store {
		s := newStore(t, nil)
		tx := begin(t, s, "")
		_, err := tx.Create(t.Context(), store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(t.Context()))
		return s
	}

	t.Run("write locks fail after a concurrent commit", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := setup(t)

		stale := begin(t, s, "")
		writer := begin(t, s, "")
		require.NoError(t, writer.WriteRows(ctx, "//tmp/t", rowsOf(1), store.WriteRowsOptions{Append: true}))
		require.NoError(t, writer.Commit(ctx))

		require.NoError(t, stale.Lock(ctx, "//tmp/t", store.LockSnapshot), "snapshot reads stay allowed")
		ranges, err := stale.ReadRowRanges(ctx, "//tmp/t")
		require.NoError(t, err)
		require.Empty(t, ranges)

		err = stale.Lock(ctx, "//tmp/t", store.LockExclusive)
		require.ErrorIs(t, err, tableerr.ErrLockConflict)
		require.Contains(t, err.Error(), "modified by a concurrent transaction")
		require.ErrorIs(t, stale.Lock(ctx, "//tmp/t", store.LockShared), tableerr.ErrLockConflict)
		require.ErrorIs(t, stale.Set(ctx, "//tmp/t", "x", 1), tableerr.ErrLockConflict)
		require.NoError(t, stale.Abort(ctx))

		fresh := begin(t, s, "")
		require.NoError(t, fresh.Lock(ctx, "//tmp/t", store.LockExclusive))
	})

	t.Run("overlapping row appends keep every committed chunk", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := setup(t)

		a := begin(t, s, "")
		b := begin(t, s, "")
		require.NoError(t, a.WriteRows(ctx, "//tmp/t", rowsOf(1), store.WriteRowsOptions{Append: true}))
		require.NoError(t, a.Commit(ctx))
		require.ErrorIs(t, b.WriteRows(ctx, "//tmp/t", rowsOf(2), store.WriteRowsOptions{Append: true}), tableerr.ErrLockConflict)
		require.NoError(t, b.Abort(ctx))

		c := begin(t, s, "")
		require.NoError(t, c.WriteRows(ctx, "//tmp/t", rowsOf(3), store.WriteRowsOptions{Append: true}))
		require.NoError(t, c.Commit(ctx))

		reader := begin(t, s, "")
		rows, err := reader.ReadRows(ctx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, rowsOf(1, 3), rows)
		meta, err := store.ReadTableMeta(ctx, reader, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, int64(2), meta.RowCount)
		require.Equal(t, int64(2), meta.ChunkCount)
	})

	t.Run("nested siblings serialize on the parent", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := setup(t)

		parent := begin(t, s, "")
		first := begin(t, s, parent.ID())
		second := begin(t, s, parent.ID())
		require.NoError(t, first.Set(ctx, "//tmp/t", "owner", "first"))
		require.NoError(t, first.Commit(ctx))
		require.ErrorIs(t, second.Set(ctx, "//tmp/t", "owner", "second"), tableerr.ErrLockConflict)
	})

	t.Run("commit fails when the parent changed a locked node", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := setup(t)

		parent := begin(t, s, "")
		child := begin(t, s, parent.ID())
		require.NoError(t, child.Set(ctx, "//tmp/t", "owner", "child"))
		require.NoError(t, parent.Set(ctx, "//tmp/t", "owner", "parent"))
		require.ErrorIs(t, child.Commit(ctx), tableerr.ErrLockConflict)
		require.NoError(t, child.Abort(ctx))

		var owner string
		require.NoError(t, parent.Get(ctx, "//tmp/t", "owner", &owner))
		require.Equal(t, "parent", owner)
	})
}

func rowsOf(values ...any) []chunk.Row {
	out := make([]chunk.Row, len(values))
	for i, v := range values {
		out[i] = chunk.Row{"a": v}
	}
	return out
}

func TestTablecat_Memstore_Rows(t *testing.T) {
	t.Parallel()

	t.Run("write and read rows", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
		s := newStore(t, clock)
		tx := begin(t, s, "")

		_, err := tx.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)
		require.NoError(t, tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"a": 1}, {"a": 2}}, store.WriteRowsOptions{}))

		clock.Advance(time.Hour)
		require.NoError(t, tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"a": 3}}, store.WriteRowsOptions{Append: true}))

		rows, err := tx.ReadRows(ctx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, []chunk.Row{{"a": 1}, {"a": 2}, {"a": 3}}, rows)

		meta, err := store.ReadTableMeta(ctx, tx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, int64(3), meta.RowCount)
		require.Equal(t, int64(2), meta.ChunkCount)
		require.True(t, clock.Now().Equal(meta.ModificationTime))

		require.NoError(t, tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"a": 9}}, store.WriteRowsOptions{}))
		rows, err = tx.ReadRows(ctx, "//tmp/t")
		require.NoError(t, err)
		require.Equal(t, []chunk.Row{{"a": 9}}, rows, "replace drops earlier chunks")
	})

	t.Run("sorted table records boundaries", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		sch := schema.New(true, schema.Column{Name: "k", Type: schema.TypeInt64, SortOrder: schema.Ascending})
		_, err := tx.Create(ctx, store.NodeTypeTable, "//tmp/t", map[string]any{store.AttrSchema: sch})
		require.NoError(t, err)
		require.NoError(t, tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"k": 1}, {"k": 4}}, store.WriteRowsOptions{}))

		ranges, err := tx.ReadRowRanges(ctx, "//tmp/t")
		require.NoError(t, err)
		require.Len(t, ranges, 1)
		require.Equal(t, chunk.Key{int64(1)}, ranges[0].MinKey)
		require.Equal(t, chunk.Key{int64(4)}, ranges[0].MaxKey)
		require.NotZero(t, ranges[0].Checksum)

		err = tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"k": 2}}, store.WriteRowsOptions{Append: true})
		require.ErrorIs(t, err, tableerr.ErrSortOrderViolation)
	})

	t.Run("ranges can share chunks across tables", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		for _, p := range []string{"//tmp/a", "//tmp/b"} {
			_, err := tx.Create(ctx, store.NodeTypeTable, p, nil)
			require.NoError(t, err)
		}
		require.NoError(t, tx.WriteRows(ctx, "//tmp/a", []chunk.Row{{"x": 1}, {"x": 2}, {"x": 3}}, store.WriteRowsOptions{}))
		ranges, err := tx.ReadRowRanges(ctx, "//tmp/a")
		require.NoError(t, err)

		cut := chunk.Slice(ranges, chunk.RowRange{Lower: ptr(1)})
		require.NoError(t, tx.WriteRowRanges(ctx, "//tmp/b", cut, store.WriteAppend))
		rows, err := tx.ReadRows(ctx, "//tmp/b")
		require.NoError(t, err)
		require.Equal(t, []chunk.Row{{"x": 2}, {"x": 3}}, rows)

		err = tx.WriteRowRanges(ctx, "//tmp/b", []chunk.Range{{ChunkID: "missing", RowCount: 1}}, store.WriteAppend)
		require.ErrorIs(t, err, tableerr.ErrNotFound)
	})

	t.Run("checksum mismatch is detected", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		_, err := tx.Create(ctx, store.NodeTypeTable, "//tmp/t", nil)
		require.NoError(t, err)
		require.NoError(t, tx.WriteRows(ctx, "//tmp/t", []chunk.Row{{"x": 1}}, store.WriteRowsOptions{}))
		ranges, err := tx.ReadRowRanges(ctx, "//tmp/t")
		require.NoError(t, err)

		s.mu.Lock()
		s.chunks[ranges[0].ChunkID][0]["x"] = 2
		s.mu.Unlock()

		_, err = tx.ReadRows(ctx, "//tmp/t")
		require.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("ranges of non tables", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newStore(t, nil)
		tx := begin(t, s, "")

		_, err := tx.Create(ctx, store.NodeTypeFile, "//tmp/f", nil)
		require.NoError(t, err)
		_, err = tx.ReadRowRanges(ctx, "//tmp/f")
		require.ErrorIs(t, err, tableerr.ErrInvalidArgument)
	})
}

func ptr(v int64) *int64 {
	return &v
}
