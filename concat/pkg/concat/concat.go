// Package concat concatenates the row ranges of source tables into a destination table. Data is
// never copied: the destination's row-range sequence is rewritten to reference the sources' chunks,
// and its schema and sort attributes are reconciled in the same transaction.
package concat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/metrics"
	"github.com/malbeclabs/tablecat/concat/pkg/reconcile"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/sortorder"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
	"github.com/malbeclabs/tablecat/concat/pkg/ypath"
)

type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// RejectUnsortedInputs fails a sorted concatenation when some input range carries no ordering
	// metadata, instead of producing an unsorted destination.
	RejectUnsortedInputs bool

	// ReorderRanges sorts the new ranges by boundary keys before validating them.
	ReorderRanges bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Options struct {
	// TransactionID nests the operation under an open ambient transaction.
	TransactionID string
}

type Result struct {
	Schema     schema.Schema `json:"schema"`
	SchemaMode schema.Mode   `json:"schema_mode"`
	Sorted     bool          `json:"sorted"`
	SortedBy   []string      `json:"sorted_by"`
	RowCount   int64         `json:"row_count"`
	ChunkCount int64         `json:"chunk_count"`
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// ConcatenatePaths parses rich paths and concatenates them.
func (e *Executor) ConcatenatePaths(ctx context.Context, sources []string, destination string, opts Options) (Result, error) {
	srcs := make([]ypath.RichPath, len(sources))
	for i, s := range sources {
		p, err := ypath.Parse(s)
		if err != nil {
			return Result{}, err
		}
		srcs[i] = p
	}
	dst, err := ypath.Parse(destination)
	if err != nil {
		return Result{}, err
	}
	return e.Concatenate(ctx, srcs, dst, opts)
}

// Concatenate replaces the destination's rows with the rows of sources in argument order, or
// appends them when the destination path carries append=%true. The change is committed atomically
// or not at all.
func (e *Executor) Concatenate(ctx context.Context, sources []ypath.RichPath, destination ypath.RichPath, opts Options) (Result, error) {
	start := e.cfg.Clock.Now()
	res, err := e.concatenate(ctx, sources, destination, opts)
	metrics.RecordConcatenation(e.cfg.Clock.Since(start), res.RowCount, res.ChunkCount, err)
	if err != nil {
		e.log.Debug("concat: concatenation failed", "sources", paths(sources), "destination", destination.Path,
			"code", tableerr.CodeOf(err).String(), "error", err)
		return Result{}, fmt.Errorf("error concatenating %s to %s: %w", paths(sources), destination.Path, err)
	}
	e.log.Info("concat: concatenated", "sources", paths(sources), "destination", destination.Path,
		"append", destination.Append, "sorted", res.Sorted, "rows", res.RowCount, "chunks", res.ChunkCount,
		"duration", e.cfg.Clock.Since(start))
	return res, nil
}

func (e *Executor) concatenate(ctx context.Context, sources []ypath.RichPath, dst ypath.RichPath, opts Options) (Result, error) {
	if dst.Rows != nil {
		return Result{}, tableerr.New(tableerr.CodeInvalidArgument, "destination %s cannot select rows", dst.Path)
	}
	for _, src := range sources {
		if src.Append || src.HasSortedBy() {
			return Result{}, tableerr.New(tableerr.CodeInvalidArgument,
				"source %s cannot carry append or sorted_by attributes", src.Path)
		}
	}
	if dst.TransactionID != "" {
		return Result{}, tableerr.New(tableerr.CodeInvalidArgument,
			"destination %s cannot carry a transaction_id, use the ambient transaction", dst.Path)
	}

	tx, err := e.cfg.Store.Begin(ctx, store.BeginOptions{
		ParentID: opts.TransactionID,
		Title:    fmt.Sprintf("Concatenating %s to %s", paths(sources), dst.Path),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Abort(context.WithoutCancel(ctx)); err != nil {
			e.log.Warn("concat: failed to abort transaction", "tx", tx.ID(), "error", err)
		}
	}()

	if err := tx.Lock(ctx, dst.Path, store.LockExclusive); err != nil {
		return Result{}, err
	}
	if err := requireTable(ctx, tx, dst.Path); err != nil {
		return Result{}, err
	}
	dstMeta, err := store.ReadTableMeta(ctx, tx, dst.Path)
	if err != nil {
		return Result{}, err
	}
	var existing []chunk.Range
	if dst.Append {
		if existing, err = tx.ReadRowRanges(ctx, dst.Path); err != nil {
			return Result{}, err
		}
	}

	resolved := make([]source, 0, len(sources))
	for _, src := range sources {
		s, err := e.resolve(ctx, tx, src)
		if err != nil {
			return Result{}, err
		}
		resolved = append(resolved, s)
	}

	if len(resolved) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return Result{}, err
		}
		committed = true
		return resultOf(dstMeta), nil
	}

	rsrc := make([]reconcile.Source, len(resolved))
	inputs := make([]sortorder.Input, len(resolved))
	for i, s := range resolved {
		rsrc[i] = reconcile.Source{Path: s.path, Schema: s.meta.Schema}
		inputs[i] = sortorder.Input{Path: s.path, Ranges: s.ranges}
	}

	rec, err := reconcile.Reconcile(reconcile.Destination{Schema: dstMeta.Schema, Explicit: dstMeta.Explicit()}, rsrc, dst.Append)
	if err != nil {
		return Result{}, err
	}
	requested := schema.AscendingColumns(dst.SortedBy...)
	if rec, err = reconcile.WithSortedBy(rec, rsrc, requested); err != nil {
		return Result{}, err
	}

	var cols []schema.SortColumn
	if rec.Schema.IsSorted() {
		cols = rec.Schema.SortColumns()
	}
	vr, err := sortorder.Validate(sortorder.Request{
		SortColumns:    cols,
		UniqueKeys:     rec.Schema.UniqueKeys,
		Requested:      dst.HasSortedBy(),
		RejectUnsorted: e.cfg.RejectUnsortedInputs,
		Reorder:        e.cfg.ReorderRanges,
		Existing:       existing,
		Inputs:         inputs,
	})
	if err != nil {
		metrics.RecordSortValidation("rejected")
		return Result{}, err
	}

	outSchema, outMode := rec.Schema, rec.Mode
	switch {
	case vr.Degraded:
		metrics.RecordSortValidation("degraded")
		e.log.Debug("concat: input without sort order, destination becomes unsorted", "destination", dst.Path)
		outSchema, outMode = outSchema.WithoutSortOrder(), schema.ModeWeak
	case vr.Sorted:
		metrics.RecordSortValidation("sorted")
	default:
		metrics.RecordSortValidation("unsorted")
	}

	mode, all := store.WriteReplace, vr.Ranges
	if dst.Append {
		mode, all = store.WriteAppend, append(append([]chunk.Range{}, existing...), vr.Ranges...)
	}
	if err := tx.WriteRowRanges(ctx, dst.Path, vr.Ranges, mode); err != nil {
		return Result{}, err
	}

	meta := store.TableMeta{
		Schema:           outSchema,
		SchemaMode:       outMode,
		Sorted:           vr.Sorted,
		SortedBy:         vr.SortedBy,
		RowCount:         chunk.TotalRows(all),
		ChunkCount:       int64(chunk.CountChunks(all)),
		ModificationTime: e.cfg.Clock.Now(),
	}
	if err := store.WriteTableMeta(ctx, tx, dst.Path, meta); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	committed = true
	return resultOf(meta), nil
}

type source struct {
	path   string
	meta   store.TableMeta
	ranges []chunk.Range
}

// resolve reads a source under its embedded transaction, or under tx when it has none.
func (e *Executor) resolve(ctx context.Context, tx store.Tx, src ypath.RichPath) (source, error) {
	reader := tx
	if src.TransactionID != "" {
		attached, err := e.cfg.Store.Attach(ctx, src.TransactionID)
		if err != nil {
			return source{}, err
		}
		reader = attached
	}
	if err := reader.Lock(ctx, src.Path, store.LockSnapshot); err != nil {
		return source{}, err
	}
	if err := requireTable(ctx, reader, src.Path); err != nil {
		return source{}, err
	}
	meta, err := store.ReadTableMeta(ctx, reader, src.Path)
	if err != nil {
		return source{}, err
	}
	ranges, err := reader.ReadRowRanges(ctx, src.Path)
	if err != nil {
		return source{}, err
	}
	if src.Rows != nil {
		ranges = chunk.Slice(ranges, *src.Rows)
	}
	return source{path: src.Path, meta: meta, ranges: ranges}, nil
}

func requireTable(ctx context.Context, tx store.Tx, path string) error {
	typ, err := store.GetNodeType(ctx, tx, path)
	if err != nil {
		return err
	}
	if typ != store.NodeTypeTable {
		return tableerr.New(tableerr.CodeInvalidArgument, "type of %s must be %q, not %q", path, store.NodeTypeTable, typ)
	}
	return nil
}

func resultOf(m store.TableMeta) Result {
	sortedBy := m.SortedBy
	if sortedBy == nil {
		sortedBy = []string{}
	}
	return Result{
		Schema:     m.Schema,
		SchemaMode: m.SchemaMode,
		Sorted:     m.Sorted,
		SortedBy:   sortedBy,
		RowCount:   m.RowCount,
		ChunkCount: m.ChunkCount,
	}
}

func paths(refs []ypath.RichPath) string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Path
	}
	return "[" + strings.Join(out, ", ") + "]"
}
