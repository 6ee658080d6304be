// Package pgstore implements store.Store on PostgreSQL. Nodes, chunk descriptors and chunk rows
// live in the tables created by the embedded goose migrations. Transactions map to PostgreSQL
// transactions at REPEATABLE READ, nested transactions to savepoints, and node locks to row locks
// taken with NOWAIT.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
	"github.com/malbeclabs/tablecat/utils/pkg/retry"
)

const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgDeadlockDetected     = "40P01"
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
	defaultConnectTimeout  = 5 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg Config

	mu  sync.Mutex
	txs map[string]*Tx
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
		txs: make(map[string]*Tx),
	}, nil
}

// Connect opens a pool and pings it, retrying transient connection failures.
func Connect(ctx context.Context, log *slog.Logger, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = defaultMaxConns
	poolConfig.MinConns = defaultMinConns
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("connected to PostgreSQL", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return pool, nil
}

func (s *Store) Begin(ctx context.Context, opts store.BeginOptions) (store.Tx, error) {
	var parent *Tx
	if opts.ParentID != "" {
		s.mu.Lock()
		p, ok := s.txs[opts.ParentID]
		s.mu.Unlock()
		if !ok {
			return nil, tableerr.New(tableerr.CodeNotFound, "transaction %s is not found", opts.ParentID)
		}
		parent = p
	}

	var (
		pg  pgx.Tx
		err error
	)
	if parent != nil {
		parent.mu.Lock()
		if parent.done {
			parent.mu.Unlock()
			return nil, tableerr.New(tableerr.CodeNotFound, "transaction %s is not found", opts.ParentID)
		}
		pg, err = parent.pg.Begin(ctx)
		parent.mu.Unlock()
	} else {
		pg, err = s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{
		store:  s,
		id:     uuid.NewString(),
		title:  opts.Title,
		parent: parent,
		pg:     pg,
	}
	s.mu.Lock()
	s.txs[tx.id] = tx
	s.mu.Unlock()
	s.log.Debug("pgstore: transaction started", "tx", tx.id, "parent", opts.ParentID, "title", opts.Title)
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

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.txs, id)
	s.mu.Unlock()
}

// classify maps PostgreSQL errors to table error codes.
func classify(err error, path string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return tableerr.Wrap(tableerr.CodeLockConflict, err, "node %s is locked by a concurrent transaction", path)
	case pgUniqueViolation:
		return tableerr.Wrap(tableerr.CodeAlreadyExists, err, "node %s already exists", path)
	case pgForeignKeyViolation:
		return tableerr.Wrap(tableerr.CodeNotFound, err, "chunk referenced by %s is not found", path)
	}
	return err
}
