package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsmill/sequencer/internal/domain"
)

// PositionStore persists per-account, per-outcome holdings.
type PositionStore struct {
	db querier
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{db: pool}
}

const (
	positionUpsertSQL = `
INSERT INTO clob_positions (
    market_id,
    account_id,
    outcome,
    quantity,
    avg_entry_price,
    realized_pnl,
    unrealized_pnl,
    updated_at
)
VALUES (
    @market_id,
    @account_id,
    @outcome,
    @quantity,
    @avg_entry_price,
    @realized_pnl,
    @unrealized_pnl,
    @updated_at
)
ON CONFLICT (market_id, account_id, outcome) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    avg_entry_price = EXCLUDED.avg_entry_price,
    realized_pnl = EXCLUDED.realized_pnl,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    updated_at = EXCLUDED.updated_at;
`

	positionSelectBase = `
SELECT
    market_id,
    account_id,
    outcome,
    quantity::text,
    avg_entry_price::text,
    realized_pnl::text,
    unrealized_pnl::text,
    updated_at
FROM clob_positions
`
)

// Get returns the position, or a zeroed position when none exists yet.
func (s *PositionStore) Get(ctx context.Context, marketID, accountID string, outcome domain.Outcome) (*domain.Position, error) {
	row := s.db.QueryRow(ctx,
		positionSelectBase+" WHERE market_id = $1 AND account_id = $2 AND outcome = $3",
		marketID, accountID, string(outcome))
	position, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.Position{
			MarketID:  marketID,
			AccountID: accountID,
			Outcome:   outcome,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position store: get position: %w", err)
	}
	return position, nil
}

// Upsert writes the position snapshot.
func (s *PositionStore) Upsert(ctx context.Context, position *domain.Position) error {
	args := pgx.NamedArgs{
		"market_id":       position.MarketID,
		"account_id":      position.AccountID,
		"outcome":         string(position.Outcome),
		"quantity":        position.Quantity.String(),
		"avg_entry_price": position.AvgEntryPrice.String(),
		"realized_pnl":    position.RealizedPnL.String(),
		"unrealized_pnl":  position.UnrealizedPnL.String(),
		"updated_at":      position.UpdatedAt,
	}
	if _, err := s.db.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("position store: upsert position: %w", err)
	}
	return nil
}

// ListByAccount returns every position the account holds.
func (s *PositionStore) ListByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	rows, err := s.db.Query(ctx,
		positionSelectBase+" WHERE account_id = $1 ORDER BY market_id, outcome",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("position store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("position store: scan position: %w", err)
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate positions: %w", err)
	}
	return positions, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		position   domain.Position
		outcome    string
		quantity   string
		avgEntry   string
		realized   string
		unrealized string
	)
	if err := row.Scan(
		&position.MarketID,
		&position.AccountID,
		&outcome,
		&quantity,
		&avgEntry,
		&realized,
		&unrealized,
		&position.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if position.Quantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if position.AvgEntryPrice, err = decimalFromText(avgEntry); err != nil {
		return nil, err
	}
	if position.RealizedPnL, err = decimalFromText(realized); err != nil {
		return nil, err
	}
	if position.UnrealizedPnL, err = decimalFromText(unrealized); err != nil {
		return nil, err
	}
	position.Outcome = domain.Outcome(outcome)
	return &position, nil
}
