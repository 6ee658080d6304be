package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

// Tx wraps a pgx transaction; pgx transactions are not safe for concurrent use, so every
// statement runs under mu.
type Tx struct {
	store  *Store
	id     string
	title  string
	parent *Tx

	mu   sync.Mutex
	pg   pgx.Tx
	done bool
}

var _ store.Tx = (*Tx)(nil)

func (tx *Tx) ID() string {
	return tx.id
}

func (tx *Tx) check() error {
	if tx.done {
		return tableerr.New(tableerr.CodeInvalidArgument, "transaction %s is already finished", tx.id)
	}
	return nil
}

// savepoint runs fn in a nested transaction so a failed statement does not abort tx.
func (tx *Tx) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := tx.pg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			tx.store.log.Warn("pgstore: failed to roll back savepoint", "tx", tx.id, "error", rbErr)
		}
		return err
	}
	return sp.Commit(ctx)
}

type nodeRef struct {
	id  string
	typ store.NodeType
}

func (tx *Tx) lookup(ctx context.Context, path string, mode store.LockMode) (nodeRef, error) {
	query := `SELECT id::text, type FROM nodes WHERE path = $1`
	switch mode {
	case store.LockShared:
		query += ` FOR SHARE NOWAIT`
	case store.LockExclusive:
		query += ` FOR UPDATE NOWAIT`
	}

	var id, typ string
	err := tx.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, query, path).Scan(&id, &typ)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nodeRef{}, tableerr.New(tableerr.CodeNotFound, "node %s is not found", path)
	}
	if err != nil {
		return nodeRef{}, classify(err, path)
	}
	return nodeRef{id: id, typ: store.NodeType(typ)}, nil
}

func (tx *Tx) lookupTable(ctx context.Context, path string, mode store.LockMode) (nodeRef, error) {
	ref, err := tx.lookup(ctx, path, mode)
	if err != nil {
		return nodeRef{}, err
	}
	if ref.typ != store.NodeTypeTable {
		return nodeRef{}, tableerr.New(tableerr.CodeInvalidArgument, "%s is not a table", path)
	}
	return ref, nil
}

func (tx *Tx) Get(ctx context.Context, path, attr string, out any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}

	var (
		id, typ string
		raw     []byte
	)
	err := tx.pg.QueryRow(ctx, `SELECT id::text, type, attributes -> $2::text FROM nodes WHERE path = $1`, path, attr).
		Scan(&id, &typ, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return tableerr.New(tableerr.CodeNotFound, "node %s is not found", path)
	}
	if err != nil {
		return fmt.Errorf("failed to get attribute %q of %s: %w", attr, path, err)
	}
	switch attr {
	case store.AttrType:
		raw, _ = json.Marshal(typ)
	case store.AttrID:
		raw, _ = json.Marshal(id)
	}
	return store.DecodeAttribute(path, attr, raw, raw != nil, out)
}

func (tx *Tx) Set(ctx context.Context, path, attr string, value any) error {
	if attr == store.AttrType || attr == store.AttrID {
		return tableerr.New(tableerr.CodeInvalidArgument, "attribute %q is read-only", attr)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return tableerr.Wrap(tableerr.CodeInvalidArgument, err, "failed to encode attribute %q", attr)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	ref, err := tx.lookup(ctx, path, store.LockExclusive)
	if err != nil {
		return err
	}
	_, err = tx.pg.Exec(ctx,
		`UPDATE nodes SET attributes = jsonb_set(attributes, ARRAY[$2::text], $3::jsonb, true) WHERE id = $1::uuid`,
		ref.id, attr, string(b))
	if err != nil {
		return fmt.Errorf("failed to set attribute %q of %s: %w", attr, path, classify(err, path))
	}
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
	doc, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = tx.savepoint(ctx, func(q pgx.Tx) error {
		_, err := q.Exec(ctx,
			`INSERT INTO nodes (id, path, type, attributes) VALUES ($1::uuid, $2, $3, $4::jsonb)`,
			id, path, string(typ), string(doc))
		return err
	})
	if err != nil {
		return "", classify(err, path)
	}
	// The new row is invisible to other transactions until commit; lock it so the node is
	// exclusively ours afterwards as well.
	if _, err := tx.lookup(ctx, path, store.LockExclusive); err != nil {
		return "", err
	}
	tx.store.log.Debug("pgstore: node created", "tx", tx.id, "path", path, "type", typ)
	return id, nil
}

func (tx *Tx) Remove(ctx context.Context, path string, force bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	ref, err := tx.lookup(ctx, path, store.LockExclusive)
	if err != nil {
		if force && errors.Is(err, tableerr.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := tx.pg.Exec(ctx, `DELETE FROM nodes WHERE id = $1::uuid`, ref.id); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, classify(err, path))
	}
	return nil
}

func (tx *Tx) Exists(ctx context.Context, path string) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return false, err
	}
	var exists bool
	if err := tx.pg.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE path = $1)`, path).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}
	return exists, nil
}

func (tx *Tx) Lock(ctx context.Context, path string, mode store.LockMode) error {
	switch mode {
	case store.LockSnapshot, store.LockShared, store.LockExclusive:
	default:
		return tableerr.New(tableerr.CodeInvalidArgument, "unknown lock mode %q", mode)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.lookup(ctx, path, mode)
	return err
}

func (tx *Tx) ReadRowRanges(ctx context.Context, path string) ([]chunk.Range, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return nil, err
	}
	ref, err := tx.lookupTable(ctx, path, store.LockSnapshot)
	if err != nil {
		return nil, err
	}
	return tx.readRanges(ctx, ref.id)
}

func (tx *Tx) readRanges(ctx context.Context, nodeID string) ([]chunk.Range, error) {
	rows, err := tx.pg.Query(ctx, `
		SELECT nc.chunk_id::text, nc.lower_row, nc.row_count,
		       c.sort_columns, c.unique_keys, c.min_key, c.max_key, c.checksum
		FROM node_chunks nc
		JOIN chunks c ON c.id = nc.chunk_id
		WHERE nc.node_id = $1::uuid
		ORDER BY nc.seq`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query row ranges: %w", err)
	}
	defer rows.Close()

	var out []chunk.Range
	for rows.Next() {
		var (
			r                        chunk.Range
			sortCols, minKey, maxKey []byte
			checksum                 int64
		)
		if err := rows.Scan(&r.ChunkID, &r.LowerRow, &r.RowCount, &sortCols, &r.UniqueKeys, &minKey, &maxKey, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan row range: %w", err)
		}
		r.Checksum = uint64(checksum)
		if err := decodeOptional(sortCols, &r.SortColumns); err != nil {
			return nil, fmt.Errorf("failed to decode sort columns of chunk %s: %w", r.ChunkID, err)
		}
		if err := decodeOptional(minKey, &r.MinKey); err != nil {
			return nil, fmt.Errorf("failed to decode min key of chunk %s: %w", r.ChunkID, err)
		}
		if err := decodeOptional(maxKey, &r.MaxKey); err != nil {
			return nil, fmt.Errorf("failed to decode max key of chunk %s: %w", r.ChunkID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read row ranges: %w", err)
	}
	return out, nil
}

func decodeOptional(raw []byte, out any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (tx *Tx) WriteRowRanges(ctx context.Context, path string, ranges []chunk.Range, mode store.WriteMode) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	ref, err := tx.lookupTable(ctx, path, store.LockExclusive)
	if err != nil {
		return err
	}
	return tx.writeRanges(ctx, path, ref.id, ranges, mode)
}

func (tx *Tx) writeRanges(ctx context.Context, path, nodeID string, ranges []chunk.Range, mode store.WriteMode) error {
	var next int64
	if mode == store.WriteReplace {
		if _, err := tx.pg.Exec(ctx, `DELETE FROM node_chunks WHERE node_id = $1::uuid`, nodeID); err != nil {
			return fmt.Errorf("failed to clear row ranges of %s: %w", path, err)
		}
	} else {
		err := tx.pg.QueryRow(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM node_chunks WHERE node_id = $1::uuid`, nodeID).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to get next range position of %s: %w", path, err)
		}
	}
	if len(ranges) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, r := range ranges {
		batch.Queue(
			`INSERT INTO node_chunks (node_id, seq, chunk_id, lower_row, row_count) VALUES ($1::uuid, $2, $3::uuid, $4, $5)`,
			nodeID, next+int64(i), r.ChunkID, r.LowerRow, r.RowCount)
	}
	br := tx.pg.SendBatch(ctx, batch)
	for range ranges {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to write row ranges of %s: %w", path, classify(err, path))
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to write row ranges of %s: %w", path, err)
	}
	return nil
}

func (tx *Tx) WriteRows(ctx context.Context, path string, rows []chunk.Row, opts store.WriteRowsOptions) error {
	meta, err := store.ReadTableMeta(ctx, tx, path)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	ref, err := tx.lookupTable(ctx, path, store.LockExclusive)
	if err != nil {
		return err
	}
	existing, err := tx.readRanges(ctx, ref.id)
	if err != nil {
		return err
	}

	var last *chunk.Range
	if opts.Append {
		last = store.LastNonEmpty(existing)
	}
	r, err := store.PrepareChunk(uuid.NewString(), meta, last, rows, opts)
	if err != nil {
		return err
	}
	if err := tx.insertChunk(ctx, r, rows); err != nil {
		return err
	}

	mode, next := store.WriteReplace, []chunk.Range{r}
	if opts.Append {
		mode, next = store.WriteAppend, append(existing, r)
	}
	if err := tx.writeRanges(ctx, path, ref.id, []chunk.Range{r}, mode); err != nil {
		return err
	}

	counters := map[string]any{
		store.AttrRowCount:         chunk.TotalRows(next),
		store.AttrChunkCount:       chunk.CountChunks(next),
		store.AttrModificationTime: tx.store.cfg.Clock.Now().UTC().Format(time.RFC3339Nano),
	}
	doc, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	if _, err := tx.pg.Exec(ctx, `UPDATE nodes SET attributes = attributes || $2::jsonb WHERE id = $1::uuid`, ref.id, string(doc)); err != nil {
		return fmt.Errorf("failed to update counters of %s: %w", path, err)
	}
	return nil
}

func (tx *Tx) insertChunk(ctx context.Context, r chunk.Range, rows []chunk.Row) error {
	if rows == nil {
		rows = []chunk.Row{}
	}
	rowsDoc, err := json.Marshal(rows)
	if err != nil {
		return tableerr.Wrap(tableerr.CodeInvalidArgument, err, "failed to encode rows")
	}
	var sortCols, minKey, maxKey any
	if len(r.SortColumns) > 0 {
		b, err := json.Marshal(r.SortColumns)
		if err != nil {
			return fmt.Errorf("failed to encode sort columns: %w", err)
		}
		sortCols = string(b)
	}
	if r.MinKey != nil {
		b, err := json.Marshal(r.MinKey)
		if err != nil {
			return fmt.Errorf("failed to encode min key: %w", err)
		}
		minKey = string(b)
	}
	if r.MaxKey != nil {
		b, err := json.Marshal(r.MaxKey)
		if err != nil {
			return fmt.Errorf("failed to encode max key: %w", err)
		}
		maxKey = string(b)
	}
	_, err = tx.pg.Exec(ctx, `
		INSERT INTO chunks (id, row_count, sort_columns, unique_keys, min_key, max_key, checksum, rows)
		VALUES ($1::uuid, $2, $3::jsonb, $4, $5::jsonb, $6::jsonb, $7, $8::jsonb)`,
		r.ChunkID, r.RowCount, sortCols, r.UniqueKeys, minKey, maxKey, int64(r.Checksum), string(rowsDoc))
	if err != nil {
		return fmt.Errorf("failed to insert chunk %s: %w", r.ChunkID, err)
	}
	return nil
}

func (tx *Tx) ReadRows(ctx context.Context, path string) ([]chunk.Row, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return nil, err
	}
	ref, err := tx.lookupTable(ctx, path, store.LockSnapshot)
	if err != nil {
		return nil, err
	}
	ranges, err := tx.readRanges(ctx, ref.id)
	if err != nil {
		return nil, err
	}

	cache := make(map[string][]chunk.Row)
	var out []chunk.Row
	for _, r := range ranges {
		rows, ok := cache[r.ChunkID]
		if !ok {
			rows, err = tx.chunkRows(ctx, r)
			if err != nil {
				return nil, err
			}
			cache[r.ChunkID] = rows
		}
		end := r.LowerRow + r.RowCount
		if end > int64(len(rows)) {
			return nil, fmt.Errorf("range [%d, %d) is out of bounds of chunk %s", r.LowerRow, end, r.ChunkID)
		}
		out = append(out, rows[r.LowerRow:end]...)
	}
	return out, nil
}

func (tx *Tx) chunkRows(ctx context.Context, r chunk.Range) ([]chunk.Row, error) {
	var raw []byte
	if err := tx.pg.QueryRow(ctx, `SELECT rows FROM chunks WHERE id = $1::uuid`, r.ChunkID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tableerr.New(tableerr.CodeNotFound, "chunk %s is not found", r.ChunkID)
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", r.ChunkID, err)
	}
	var decoded []map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", r.ChunkID, err)
	}
	rows := make([]chunk.Row, len(decoded))
	for i, m := range decoded {
		row := make(chunk.Row, len(m))
		for k, v := range m {
			row[k] = chunk.NormalizeValue(v)
		}
		rows[i] = row
	}
	if r.Checksum != 0 {
		if sum := chunk.Checksum(rows); sum != r.Checksum {
			return nil, fmt.Errorf("chunk %s checksum mismatch: expected %x, got %x", r.ChunkID, r.Checksum, sum)
		}
	}
	return rows, nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	tx.store.forget(tx.id)
	if err := tx.pg.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", tx.id, classify(err, tx.title))
	}
	tx.store.log.Debug("pgstore: transaction committed", "tx", tx.id, "title", tx.title)
	return nil
}

func (tx *Tx) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.forget(tx.id)
	if err := tx.pg.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to abort transaction %s: %w", tx.id, err)
	}
	tx.store.log.Debug("pgstore: transaction aborted", "tx", tx.id, "title", tx.title)
	return nil
}
