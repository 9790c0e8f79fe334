// Package postgres implements the sequencer store contracts on PostgreSQL
// via pgx. Every store shares one pgxpool and carries no state of its own.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsmill/sequencer/config"
	"github.com/oddsmill/sequencer/internal/domain"
)

// querier is the subset of pgx the stores use, satisfied by both a pool and
// a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the PostgreSQL-backed repositories.
type Store struct {
	pool   *pgxpool.Pool
	stores domain.Stores
}

// Connect opens a pgx pool against the configured database and verifies it
// with a ping.
func Connect(ctx context.Context, cfg config.DatabaseSettings) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// New constructs the store bundle over an established pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, stores: storesOver(pool)}
}

func storesOver(db querier) domain.Stores {
	return domain.Stores{
		Orders:    &OrderStore{db: db},
		Trades:    &TradeStore{db: db},
		Positions: &PositionStore{db: db},
		Markets:   &MarketStore{db: db},
		State:     &StateStore{db: db},
	}
}

// Stores exposes the bundle through the domain contracts.
func (s *Store) Stores() domain.Stores {
	return s.stores
}

// InTx runs fn against stores bound to a single transaction, committing when
// fn returns nil and rolling back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(context.Context, domain.Stores) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, storesOver(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
