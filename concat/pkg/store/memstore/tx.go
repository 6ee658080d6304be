package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

// Tx works on a private copy of its parent's state taken at Begin. Commit publishes the nodes it
// changed to the parent, or to the store for a top-level transaction.
type Tx struct {
	store    *Store
	id       string
	title    string
	parent   *Tx
	children []*Tx
	view     *state
	snap     map[string]uint64
	dirty    map[string]struct{}
	done     bool
}

var _ store.Tx = (*Tx)(nil)

func (tx *Tx) ID() string {
	return tx.id
}

func (tx *Tx) Title() string {
	return tx.title
}

func (tx *Tx) check() error {
	if tx.done {
		return tableerr.New(tableerr.CodeInvalidArgument, "transaction %s is already finished", tx.id)
	}
	return nil
}

func (tx *Tx) lookup(path string) (*node, error) {
	n, ok := tx.view.nodes[path]
	if !ok {
		return nil, tableerr.New(tableerr.CodeNotFound, "node %s is not found", path)
	}
	return n, nil
}

// mutable returns the node for modification under an exclusive lock.
func (tx *Tx) mutable(path string) (*node, error) {
	n, err := tx.lookup(path)
	if err != nil {
		return nil, err
	}
	if err := tx.store.acquire(tx, n.id, path, store.LockExclusive); err != nil {
		return nil, err
	}
	n.version = tx.store.nextVersion()
	tx.dirty[path] = struct{}{}
	return n, nil
}

func (tx *Tx) Get(ctx context.Context, path, attr string, out any) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	n, err := tx.lookup(path)
	if err != nil {
		return err
	}
	switch attr {
	case store.AttrType:
		return store.DecodeAttribute(path, attr, mustMarshal(n.typ), true, out)
	case store.AttrID:
		return store.DecodeAttribute(path, attr, mustMarshal(n.id), true, out)
	}
	raw, ok := n.attrs[attr]
	return store.DecodeAttribute(path, attr, raw, ok, out)
}

func (tx *Tx) Set(ctx context.Context, path, attr string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return tableerr.Wrap(tableerr.CodeInvalidArgument, err, "failed to encode attribute %q", attr)
	}
	if attr == store.AttrType || attr == store.AttrID {
		return tableerr.New(tableerr.CodeInvalidArgument, "attribute %q is read-only", attr)
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	n, err := tx.mutable(path)
	if err != nil {
		return err
	}
	n.attrs[attr] = b
	return nil
}

func (tx *Tx) Create(ctx context.Context, typ store.NodeType, path string, attrs map[string]any) (string, error) {
	if !typ.Valid() {
		return "", tableerr.New(tableerr.CodeInvalidArgument, "unknown node type %q", typ)
	}
	if !strings.HasPrefix(path, "//") {
		return "", tableerr.New(tableerr.CodeInvalidArgument, "invalid path %q", path)
	}
	encoded, err := store.EncodeAttributes(typ, attrs)
	if err != nil {
		return "", err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return "", err
	}
	if _, ok := tx.view.nodes[path]; ok {
		return "", tableerr.New(tableerr.CodeAlreadyExists, "node %s already exists", path)
	}
	n := &node{id: uuid.NewString(), typ: typ, attrs: make(map[string][]byte, len(encoded)), version: tx.store.nextVersion()}
	for k, v := range encoded {
		n.attrs[k] = v
	}
	if err := tx.store.acquire(tx, n.id, path, store.LockExclusive); err != nil {
		return "", err
	}
	tx.view.nodes[path] = n
	tx.dirty[path] = struct{}{}
	tx.store.log.Debug("memstore: node created", "tx", tx.id, "path", path, "type", typ)
	return n.id, nil
}

func (tx *Tx) Remove(ctx context.Context, path string, force bool) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.view.nodes[path]; !ok && force {
		return nil
	}
	if _, err := tx.mutable(path); err != nil {
		return err
	}
	delete(tx.view.nodes, path)
	return nil
}

func (tx *Tx) Exists(ctx context.Context, path string) (bool, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return false, err
	}
	_, ok := tx.view.nodes[path]
	return ok, nil
}

func (tx *Tx) Lock(ctx context.Context, path string, mode store.LockMode) error {
	switch mode {
	case store.LockSnapshot, store.LockShared, store.LockExclusive:
	default:
		return tableerr.New(tableerr.CodeInvalidArgument, "unknown lock mode %q", mode)
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	n, err := tx.lookup(path)
	if err != nil {
		return err
	}
	return tx.store.acquire(tx, n.id, path, mode)
}

func (tx *Tx) ReadRowRanges(ctx context.Context, path string) ([]chunk.Range, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return nil, err
	}
	n, err := tx.lookup(path)
	if err != nil {
		return nil, err
	}
	if n.typ != store.NodeTypeTable {
		return nil, tableerr.New(tableerr.CodeInvalidArgument, "%s is not a table", path)
	}
	out := make([]chunk.Range, len(n.ranges))
	for i, r := range n.ranges {
		out[i] = r.Clone()
	}
	return out, nil
}

func (tx *Tx) WriteRowRanges(ctx context.Context, path string, ranges []chunk.Range, mode store.WriteMode) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	for _, r := range ranges {
		if _, ok := tx.store.chunks[r.ChunkID]; !ok {
			return tableerr.New(tableerr.CodeNotFound, "chunk %s is not found", r.ChunkID)
		}
	}
	n, err := tx.mutable(path)
	if err != nil {
		return err
	}
	if n.typ != store.NodeTypeTable {
		return tableerr.New(tableerr.CodeInvalidArgument, "%s is not a table", path)
	}
	cloned := make([]chunk.Range, len(ranges))
	for i, r := range ranges {
		cloned[i] = r.Clone()
	}
	if mode == store.WriteAppend {
		n.ranges = append(n.ranges, cloned...)
	} else {
		n.ranges = cloned
	}
	return nil
}

func (tx *Tx) WriteRows(ctx context.Context, path string, rows []chunk.Row, opts store.WriteRowsOptions) error {
	meta, err := store.ReadTableMeta(ctx, tx, path)
	if err != nil {
		return err
	}
	if err := tx.Lock(ctx, path, store.LockExclusive); err != nil {
		return err
	}
	ranges, err := tx.ReadRowRanges(ctx, path)
	if err != nil {
		return err
	}

	var last *chunk.Range
	if opts.Append {
		last = store.LastNonEmpty(ranges)
	}
	id := uuid.NewString()
	r, err := store.PrepareChunk(id, meta, last, rows, opts)
	if err != nil {
		return err
	}

	stored := make([]chunk.Row, len(rows))
	for i, row := range rows {
		stored[i] = copyRow(row)
	}
	tx.store.mu.Lock()
	tx.store.chunks[id] = stored
	tx.store.mu.Unlock()

	mode := store.WriteReplace
	next := []chunk.Range{r}
	if opts.Append {
		mode = store.WriteAppend
		next = append(ranges, r)
	}
	if err := tx.WriteRowRanges(ctx, path, []chunk.Range{r}, mode); err != nil {
		return err
	}
	if err := tx.Set(ctx, path, store.AttrRowCount, chunk.TotalRows(next)); err != nil {
		return err
	}
	if err := tx.Set(ctx, path, store.AttrChunkCount, chunk.CountChunks(next)); err != nil {
		return err
	}
	return tx.Set(ctx, path, store.AttrModificationTime, tx.store.cfg.Clock.Now().UTC().Format(time.RFC3339Nano))
}

func (tx *Tx) ReadRows(ctx context.Context, path string) ([]chunk.Row, error) {
	ranges, err := tx.ReadRowRanges(ctx, path)
	if err != nil {
		return nil, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	var rows []chunk.Row
	for _, r := range ranges {
		part, err := tx.store.chunkRows(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	for _, c := range tx.children {
		if !c.done {
			return tableerr.New(tableerr.CodeInvalidArgument,
				"transaction %s has unfinished nested transaction %s", tx.id, c.id)
		}
	}

	for path := range tx.dirty {
		if err := tx.store.checkCurrent(tx, path); err != nil {
			return err
		}
	}

	target, parentID := tx.store.root, ""
	if tx.parent != nil {
		target, parentID = tx.parent.view, tx.parent.id
	}
	for path := range tx.dirty {
		if n, ok := tx.view.nodes[path]; ok {
			target.nodes[path] = n.clone()
		} else {
			delete(target.nodes, path)
		}
		if tx.parent != nil {
			tx.parent.dirty[path] = struct{}{}
		}
	}
	tx.store.transferLocks(tx.id, parentID)
	tx.finish()
	tx.store.log.Debug("memstore: transaction committed", "tx", tx.id, "title", tx.title, "nodes", len(tx.dirty))
	return nil
}

func (tx *Tx) Abort(ctx context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.abortLocked()
	tx.store.log.Debug("memstore: transaction aborted", "tx", tx.id, "title", tx.title)
	return nil
}

func (tx *Tx) abortLocked() {
	for _, c := range tx.children {
		if !c.done {
			c.abortLocked()
		}
	}
	tx.store.transferLocks(tx.id, "")
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	delete(tx.store.txs, tx.id)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
