package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
)

// OrderStore persists the durable order queue.
type OrderStore struct {
	db querier
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{db: pool}
}

const (
	orderInsertSQL = `
INSERT INTO order_queue (
    id,
    market_id,
    owner_account,
    side,
    price,
    quantity,
    remaining,
    status,
    priority_score,
    client_tx_ref,
    created_at,
    updated_at
)
VALUES (
    @id,
    @market_id,
    @owner,
    @side,
    @price,
    @quantity,
    @remaining,
    @status,
    @priority_score,
    @client_tx_ref,
    @created_at,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	orderSelectBase = `
SELECT
    id::text,
    market_id,
    owner_account,
    side,
    price::text,
    quantity::text,
    remaining::text,
    status,
    priority_score,
    COALESCE(client_tx_ref, ''),
    created_at
FROM order_queue
`

	orderDequeueSQL = `
WITH claimed AS (
    SELECT id
    FROM order_queue
    WHERE market_id = @market_id AND status = 'QUEUED'
    ORDER BY priority_score ASC
    LIMIT @limit
    FOR UPDATE SKIP LOCKED
)
UPDATE order_queue o
SET status = 'PROCESSING', updated_at = NOW()
FROM claimed
WHERE o.id = claimed.id
RETURNING
    o.id::text,
    o.market_id,
    o.owner_account,
    o.side,
    o.price::text,
    o.quantity::text,
    o.remaining::text,
    o.status,
    o.priority_score,
    COALESCE(o.client_tx_ref, ''),
    o.created_at;
`

	orderUpdateFillSQL = `
UPDATE order_queue
SET remaining = @remaining, status = @status, updated_at = NOW()
WHERE id = @id;
`

	orderCancelQueuedSQL = `
UPDATE order_queue
SET status = 'CANCELLED', updated_at = NOW()
WHERE id = @id AND status = 'QUEUED';
`

	orderRequeueSQL = `
UPDATE order_queue
SET status = 'QUEUED', updated_at = NOW()
WHERE market_id = @market_id AND status = 'PROCESSING';
`

	orderDepthSQL = `
SELECT COUNT(*) FROM order_queue WHERE market_id = @market_id AND status = 'QUEUED';
`
)

// Enqueue persists a validated order.
func (s *OrderStore) Enqueue(ctx context.Context, order *domain.Order) error {
	args := pgx.NamedArgs{
		"id":             order.ID,
		"market_id":      order.MarketID,
		"owner":          order.Owner,
		"side":           string(order.Side),
		"price":          order.Price.String(),
		"quantity":       order.Quantity.String(),
		"remaining":      order.Remaining.String(),
		"status":         string(order.Status),
		"priority_score": order.PriorityScore,
		"client_tx_ref":  nullableString(order.ClientTxRef),
		"created_at":     order.CreatedAt,
	}
	if _, err := s.db.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// Get returns one order by id.
func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRow(ctx, orderSelectBase+" WHERE id = $1", id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("postgres", errs.CodeNotFound,
			errs.WithMessage("order "+id+" not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("order store: get order: %w", err)
	}
	return order, nil
}

// DequeueBatch claims up to limit QUEUED orders for the market in ascending
// priority order and flips them to PROCESSING in the same statement.
func (s *OrderStore) DequeueBatch(ctx context.Context, marketID string, limit int) ([]*domain.Order, error) {
	args := pgx.NamedArgs{"market_id": marketID, "limit": limit}
	rows, err := s.db.Query(ctx, orderDequeueSQL, args)
	if err != nil {
		return nil, fmt.Errorf("order store: dequeue batch: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan dequeued order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate dequeued orders: %w", err)
	}
	// UPDATE .. RETURNING yields no defined order; restore priority order.
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].PriorityScore < orders[j].PriorityScore
	})
	return orders, nil
}

// UpdateFill records remaining quantity and status after matching touched
// the order.
func (s *OrderStore) UpdateFill(ctx context.Context, orderID string, remaining decimal.Decimal, status domain.OrderStatus) error {
	args := pgx.NamedArgs{
		"id":        orderID,
		"remaining": remaining.String(),
		"status":    string(status),
	}
	if _, err := s.db.Exec(ctx, orderUpdateFillSQL, args); err != nil {
		return fmt.Errorf("order store: update fill: %w", err)
	}
	return nil
}

// CancelQueued conditionally cancels an order that has not been claimed yet.
func (s *OrderStore) CancelQueued(ctx context.Context, orderID string) (bool, error) {
	tag, err := s.db.Exec(ctx, orderCancelQueuedSQL, pgx.NamedArgs{"id": orderID})
	if err != nil {
		return false, fmt.Errorf("order store: cancel order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueProcessing returns the market's claimed orders to the queue after a
// faulted cycle.
func (s *OrderStore) RequeueProcessing(ctx context.Context, marketID string) error {
	if _, err := s.db.Exec(ctx, orderRequeueSQL, pgx.NamedArgs{"market_id": marketID}); err != nil {
		return fmt.Errorf("order store: requeue processing: %w", err)
	}
	return nil
}

// QueueDepth counts QUEUED orders for the market.
func (s *OrderStore) QueueDepth(ctx context.Context, marketID string) (int, error) {
	var depth int
	if err := s.db.QueryRow(ctx, orderDepthSQL, pgx.NamedArgs{"market_id": marketID}).Scan(&depth); err != nil {
		return 0, fmt.Errorf("order store: queue depth: %w", err)
	}
	return depth, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order       domain.Order
		side        string
		price       string
		quantity    string
		remaining   string
		status      string
		createdAt   time.Time
		clientTxRef string
	)
	if err := row.Scan(
		&order.ID,
		&order.MarketID,
		&order.Owner,
		&side,
		&price,
		&quantity,
		&remaining,
		&status,
		&order.PriorityScore,
		&clientTxRef,
		&createdAt,
	); err != nil {
		return nil, err
	}
	var err error
	if order.Price, err = decimalFromText(price); err != nil {
		return nil, err
	}
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if order.Remaining, err = decimalFromText(remaining); err != nil {
		return nil, err
	}
	order.Side = domain.Side(side)
	order.Status = domain.OrderStatus(status)
	order.ClientTxRef = clientTxRef
	order.CreatedAt = createdAt
	return &order, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
