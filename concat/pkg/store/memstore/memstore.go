// Package memstore is an in-memory implementation of store.Store with nested transactions,
// snapshot reads and an owner-aware lock table.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	seq    uint64
	root   *state
	txs    map[string]*Tx
	locks  map[string]map[string]store.LockMode
	chunks map[string][]chunk.Row
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		cfg:    cfg,
		root:   newState(),
		txs:    make(map[string]*Tx),
		locks:  make(map[string]map[string]store.LockMode),
		chunks: make(map[string][]chunk.Row),
	}, nil
}

func (s *Store) Begin(ctx context.Context, opts store.BeginOptions) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *Tx
	base := s.root
	if opts.ParentID != "" {
		p, ok := s.txs[opts.ParentID]
		if !ok {
			return nil, tableerr.New(tableerr.CodeNotFound, "transaction %s is not found", opts.ParentID)
		}
		parent, base = p, p.view
	}

	tx := &Tx{
		store:  s,
		id:     uuid.NewString(),
		title:  opts.Title,
		parent: parent,
		view:   base.clone(),
		snap:   base.versions(),
		dirty:  make(map[string]struct{}),
	}
	if parent != nil {
		parent.children = append(parent.children, tx)
	}
	s.txs[tx.id] = tx
	s.log.Debug("memstore: transaction started", "tx", tx.id, "parent", opts.ParentID, "title", opts.Title)
	return tx, nil
}

func (s *Store) Attach(ctx context.Context, id string) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, tableerr.New(tableerr.CodeNotFound, "transaction %s is not found", id)
	}
	return tx, nil
}

// related reports whether a and b are the same transaction or one is an ancestor of the other.
func (s *Store) related(a, b string) bool {
	if a == b {
		return true
	}
	return s.isAncestor(a, b) || s.isAncestor(b, a)
}

func (s *Store) isAncestor(ancestor, id string) bool {
	tx, ok := s.txs[id]
	if !ok {
		return false
	}
	for p := tx.parent; p != nil; p = p.parent {
		if p.id == ancestor {
			return true
		}
	}
	return false
}

// nextVersion returns a fresh node version. Callers hold s.mu.
func (s *Store) nextVersion() uint64 {
	s.seq++
	return s.seq
}

// checkCurrent fails with a LockConflict when path was changed after the snapshot of the
// transaction, or of any of its ancestors, was taken. Each level is compared against the view it
// was cloned from.
func (s *Store) checkCurrent(tx *Tx, path string) error {
	for t := tx; t != nil; t = t.parent {
		base := s.root
		if t.parent != nil {
			base = t.parent.view
		}
		var current uint64
		if n, ok := base.nodes[path]; ok {
			current = n.version
		}
		if current != t.snap[path] {
			return tableerr.New(tableerr.CodeLockConflict,
				"cannot lock node %s since it was modified by a concurrent transaction after transaction %s started",
				path, t.id)
		}
	}
	return nil
}

func (s *Store) acquire(tx *Tx, nodeID, path string, mode store.LockMode) error {
	if mode != store.LockSnapshot {
		if err := s.checkCurrent(tx, path); err != nil {
			return err
		}
	}
	holders := s.locks[nodeID]
	for holder, held := range holders {
		if s.related(holder, tx.id) {
			continue
		}
		if held.Conflicts(mode) {
			return tableerr.New(tableerr.CodeLockConflict,
				"cannot take %s lock for node %s since %s lock is taken by concurrent transaction %s",
				mode, path, held, holder)
		}
	}
	if holders == nil {
		holders = make(map[string]store.LockMode)
		s.locks[nodeID] = holders
	}
	holders[tx.id] = holders[tx.id].Stronger(mode)
	return nil
}

// transferLocks moves the locks of from to to, or releases them when to is empty.
func (s *Store) transferLocks(from, to string) {
	for nodeID, holders := range s.locks {
		mode, ok := holders[from]
		if !ok {
			continue
		}
		delete(holders, from)
		if to != "" {
			holders[to] = holders[to].Stronger(mode)
		}
		if len(holders) == 0 {
			delete(s.locks, nodeID)
		}
	}
}

func (s *Store) chunkRows(r chunk.Range) ([]chunk.Row, error) {
	rows, ok := s.chunks[r.ChunkID]
	if !ok {
		return nil, tableerr.New(tableerr.CodeNotFound, "chunk %s is not found", r.ChunkID)
	}
	if r.Checksum != 0 {
		if sum := chunk.Checksum(rows); sum != r.Checksum {
			return nil, fmt.Errorf("chunk %s checksum mismatch: expected %x, got %x", r.ChunkID, r.Checksum, sum)
		}
	}
	end := r.LowerRow + r.RowCount
	if r.LowerRow < 0 || end > int64(len(rows)) {
		return nil, fmt.Errorf("range [%d, %d) is out of bounds of chunk %s", r.LowerRow, end, r.ChunkID)
	}
	out := make([]chunk.Row, 0, r.RowCount)
	for _, row := range rows[r.LowerRow:end] {
		out = append(out, copyRow(row))
	}
	return out, nil
}

func copyRow(row chunk.Row) chunk.Row {
	out := make(chunk.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

type node struct {
	id string

	// version changes whenever the node is modified. Transactions compare it against their
	// snapshot before taking locks that allow writes.
	version uint64

	typ    store.NodeType
	attrs  map[string][]byte
	ranges []chunk.Range
}

func (n *node) clone() *node {
	out := &node{
		id:      n.id,
		version: n.version,
		typ:     n.typ,
		attrs:   make(map[string][]byte, len(n.attrs)),
		ranges:  make([]chunk.Range, len(n.ranges)),
	}
	for k, v := range n.attrs {
		out.attrs[k] = slices.Clone(v)
	}
	for i, r := range n.ranges {
		out.ranges[i] = r.Clone()
	}
	return out
}

type state struct {
	nodes map[string]*node
}

func newState() *state {
	return &state{nodes: make(map[string]*node)}
}

func (st *state) clone() *state {
	out := &state{nodes: make(map[string]*node, len(st.nodes))}
	for p, n := range st.nodes {
		out.nodes[p] = n.clone()
	}
	return out
}

func (st *state) versions() map[string]uint64 {
	out := make(map[string]uint64, len(st.nodes))
	for p, n := range st.nodes {
		out[p] = n.version
	}
	return out
}
