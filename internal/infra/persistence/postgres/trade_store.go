package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsmill/sequencer/internal/domain"
)

// TradeStore is the append-only trade ledger.
type TradeStore struct {
	db querier
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{db: pool}
}

const (
	tradeInsertSQL = `
INSERT INTO clob_trades (
    id,
    market_id,
    buy_order_id,
    sell_order_id,
    buyer_account,
    seller_account,
    price,
    quantity,
    sequence_number,
    tx_ref,
    created_at
)
VALUES (
    @id,
    @market_id,
    @buy_order_id,
    @sell_order_id,
    @buyer,
    @seller,
    @price,
    @quantity,
    @sequence,
    @tx_ref,
    @created_at
)
ON CONFLICT (id) DO NOTHING;
`

	tradeSelectBase = `
SELECT
    id::text,
    market_id,
    buy_order_id::text,
    sell_order_id::text,
    buyer_account,
    seller_account,
    price::text,
    quantity::text,
    sequence_number,
    COALESCE(tx_ref, ''),
    created_at,
    mirror_confirmed_at
FROM clob_trades
`

	tradeConfirmSQL = `
UPDATE clob_trades
SET mirror_confirmed_at = @confirmed_at
WHERE id = @id AND mirror_confirmed_at IS NULL;
`
)

// Append inserts one trade. Trade ids are idempotency keys, so replays of a
// cycle are absorbed by the conflict clause.
func (s *TradeStore) Append(ctx context.Context, trade *domain.Trade) error {
	args := pgx.NamedArgs{
		"id":            trade.ID,
		"market_id":     trade.MarketID,
		"buy_order_id":  trade.BuyOrderID,
		"sell_order_id": trade.SellOrderID,
		"buyer":         trade.Buyer,
		"seller":        trade.Seller,
		"price":         trade.Price.String(),
		"quantity":      trade.Quantity.String(),
		"sequence":      trade.Sequence,
		"tx_ref":        nullableString(trade.TxRef),
		"created_at":    trade.CreatedAt,
	}
	if _, err := s.db.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert trade: %w", err)
	}
	return nil
}

// ListByMarket returns the market's most recent trades.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		tradeSelectBase+" WHERE market_id = $1 ORDER BY sequence_number DESC, created_at DESC LIMIT $2",
		marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("trade store: list trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListUnconfirmed returns trades awaiting mirror-node confirmation, oldest
// first so reconciliation drains in settlement order.
func (s *TradeStore) ListUnconfirmed(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		tradeSelectBase+" WHERE mirror_confirmed_at IS NULL ORDER BY created_at ASC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("trade store: list unconfirmed: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// MarkMirrorConfirmed stamps the trade with its confirmation time.
func (s *TradeStore) MarkMirrorConfirmed(ctx context.Context, tradeID string, at time.Time) error {
	args := pgx.NamedArgs{"id": tradeID, "confirmed_at": at}
	if _, err := s.db.Exec(ctx, tradeConfirmSQL, args); err != nil {
		return fmt.Errorf("trade store: mark confirmed: %w", err)
	}
	return nil
}

func collectTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	for rows.Next() {
		var (
			trade       domain.Trade
			price       string
			quantity    string
			txRef       string
			confirmedAt pgtype.Timestamptz
		)
		if err := rows.Scan(
			&trade.ID,
			&trade.MarketID,
			&trade.BuyOrderID,
			&trade.SellOrderID,
			&trade.Buyer,
			&trade.Seller,
			&price,
			&quantity,
			&trade.Sequence,
			&txRef,
			&trade.CreatedAt,
			&confirmedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan trade: %w", err)
		}
		var err error
		if trade.Price, err = decimalFromText(price); err != nil {
			return nil, err
		}
		if trade.Quantity, err = decimalFromText(quantity); err != nil {
			return nil, err
		}
		trade.TxRef = txRef
		if confirmedAt.Valid {
			at := confirmedAt.Time
			trade.MirrorConfirmedAt = &at
		}
		trades = append(trades, &trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return trades, nil
}
