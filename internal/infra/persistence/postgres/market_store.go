package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
)

// MarketStore persists market records.
type MarketStore struct {
	db querier
}

// NewMarketStore constructs a MarketStore backed by the provided pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{db: pool}
}

const (
	marketInsertSQL = `
INSERT INTO markets (id, question, status, created_at)
VALUES (@id, @question, @status, @created_at)
ON CONFLICT (id) DO NOTHING;
`

	marketSelectBase = `
SELECT id::text, question, status, created_at
FROM markets
`

	marketSetStatusSQL = `
UPDATE markets SET status = @status WHERE id = @id;
`
)

// Create inserts a market record.
func (s *MarketStore) Create(ctx context.Context, market *domain.Market) error {
	args := pgx.NamedArgs{
		"id":         market.ID,
		"question":   market.Question,
		"status":     string(market.Status),
		"created_at": market.CreatedAt,
	}
	if _, err := s.db.Exec(ctx, marketInsertSQL, args); err != nil {
		return fmt.Errorf("market store: insert market: %w", err)
	}
	return nil
}

// Get returns one market by id.
func (s *MarketStore) Get(ctx context.Context, id string) (*domain.Market, error) {
	row := s.db.QueryRow(ctx, marketSelectBase+" WHERE id = $1", id)
	market, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("postgres", errs.CodeUnknownMarket,
			errs.WithMarket(id),
			errs.WithMessage("market "+id+" not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("market store: get market: %w", err)
	}
	return market, nil
}

// ListActive returns markets currently open for trading.
func (s *MarketStore) ListActive(ctx context.Context) ([]*domain.Market, error) {
	rows, err := s.db.Query(ctx, marketSelectBase+" WHERE status = 'active' ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("market store: list active: %w", err)
	}
	defer rows.Close()

	var markets []*domain.Market
	for rows.Next() {
		market, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("market store: scan market: %w", err)
		}
		markets = append(markets, market)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market store: iterate markets: %w", err)
	}
	return markets, nil
}

// SetStatus transitions the market's status.
func (s *MarketStore) SetStatus(ctx context.Context, id string, status domain.MarketStatus) error {
	args := pgx.NamedArgs{"id": id, "status": string(status)}
	if _, err := s.db.Exec(ctx, marketSetStatusSQL, args); err != nil {
		return fmt.Errorf("market store: set status: %w", err)
	}
	return nil
}

func scanMarket(row pgx.Row) (*domain.Market, error) {
	var (
		market domain.Market
		status string
	)
	if err := row.Scan(&market.ID, &market.Question, &status, &market.CreatedAt); err != nil {
		return nil, err
	}
	market.Status = domain.MarketStatus(status)
	return &market, nil
}
