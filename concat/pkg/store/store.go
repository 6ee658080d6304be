// Package store defines the metadata and chunk storage collaborator used by the concatenation
// engine. Implementations live in memstore and pgstore.
package store

import (
	"context"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
)

// NodeType is the type of a metadata node. Only tables hold rows.
type NodeType string

const (
	NodeTypeTable    NodeType = "table"
	NodeTypeFile     NodeType = "file"
	NodeTypeDocument NodeType = "document"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeTable, NodeTypeFile, NodeTypeDocument:
		return true
	}
	return false
}

// LockMode is the strength of a node lock. Snapshot locks pin a consistent read and never
// conflict. Shared locks conflict with exclusive locks of unrelated transactions, and exclusive
// locks conflict with both.
type LockMode string

const (
	LockSnapshot  LockMode = "snapshot"
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// Conflicts reports whether locks of modes a and b held by unrelated transactions conflict.
func (a LockMode) Conflicts(b LockMode) bool {
	if a == LockSnapshot || b == LockSnapshot {
		return false
	}
	return a == LockExclusive || b == LockExclusive
}

func (a LockMode) strength() int {
	switch a {
	case LockShared:
		return 1
	case LockExclusive:
		return 2
	}
	return 0
}

// Stronger returns the stronger of a and b.
func (a LockMode) Stronger(b LockMode) LockMode {
	if b.strength() > a.strength() {
		return b
	}
	return a
}

// WriteMode selects whether WriteRowRanges replaces a table's ranges or appends to them.
type WriteMode int

const (
	WriteReplace WriteMode = iota
	WriteAppend
)

func (m WriteMode) String() string {
	if m == WriteAppend {
		return "append"
	}
	return "replace"
}

// BeginOptions configures Store.Begin.
type BeginOptions struct {
	// ParentID nests the new transaction under an open one.
	ParentID string
	// Title labels the transaction in logs.
	Title    string
}

// WriteRowsOptions configures Tx.WriteRows.
type WriteRowsOptions struct {
	// Append keeps the existing chunks and adds the new one after them.
	Append bool

	// SortColumns records the order the rows were written in. When empty, a sorted table's key
	// columns are used.
	SortColumns []schema.SortColumn
	UniqueKeys  bool
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context, opts BeginOptions) (Tx, error)

	// Attach returns the open transaction with the given id.
	Attach(ctx context.Context, id string) (Tx, error)
}

// Tx reads and writes nodes under one transaction. Changes become visible to other transactions
// when the outermost transaction commits.
type Tx interface {
	ID() string

	// Get decodes attribute attr of path into out.
	Get(ctx context.Context, path, attr string, out any) error
	Set(ctx context.Context, path, attr string, value any) error
	Create(ctx context.Context, typ NodeType, path string, attrs map[string]any) (string, error)
	Remove(ctx context.Context, path string, force bool) error
	Exists(ctx context.Context, path string) (bool, error)

	// Lock takes a lock on path held until the transaction finishes. It never waits: an
	// incompatible lock held by another transaction fails with a LockConflict.
	Lock(ctx context.Context, path string, mode LockMode) error

	ReadRowRanges(ctx context.Context, path string) ([]chunk.Range, error)
	WriteRowRanges(ctx context.Context, path string, ranges []chunk.Range, mode WriteMode) error

	// WriteRows stores rows as a new chunk of path.
	WriteRows(ctx context.Context, path string, rows []chunk.Row, opts WriteRowsOptions) error

	// ReadRows returns the rows of path in range order.
	ReadRows(ctx context.Context, path string) ([]chunk.Row, error)

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
