// Package ingest validates incoming order requests and enqueues them for
// matching. It is the only entry point into the order queue.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/observability"
)

// OrderRequest is an order submission prior to validation.
type OrderRequest struct {
	Owner       string
	MarketID    string
	Side        domain.Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ClientTxRef string
}

// Service performs validation, priority assignment, and queue insertion.
type Service struct {
	orders  domain.OrderStore
	markets domain.MarketStore
	state   domain.StateStore
	now     func() time.Time
	newID   func() string
}

// New constructs an ingestion service over the given stores.
func New(orders domain.OrderStore, markets domain.MarketStore, state domain.StateStore) *Service {
	return &Service{
		orders:  orders,
		markets: markets,
		state:   state,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit validates the request and enqueues the order. The priority score is
// drawn from the market's monotonic counter, never from wall clock, so queue
// order is immune to clock skew. The only side effect is the queue insert.
func (s *Service) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if !req.Side.Valid() {
		return "", errs.New("ingest", errs.CodeValidation,
			errs.WithReason("invalid_side"),
			errs.WithMessage("side must be BUY or SELL"))
	}
	if err := domain.ValidatePrice(req.Price); err != nil {
		return "", err
	}
	if err := domain.ValidateQuantity(req.Quantity); err != nil {
		return "", err
	}
	if req.Owner == "" {
		return "", errs.New("ingest", errs.CodeValidation,
			errs.WithReason("missing_owner"),
			errs.WithMessage("owner account required"))
	}

	market, err := s.markets.Get(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	if !market.Tradable() {
		return "", errs.New("ingest", errs.CodeUnknownMarket,
			errs.WithMarket(req.MarketID),
			errs.WithMessage("market is not accepting orders"))
	}

	priority, err := s.state.NextPriority(ctx, req.MarketID)
	if err != nil {
		return "", fmt.Errorf("assign priority: %w", err)
	}

	order := &domain.Order{
		ID:            s.newID(),
		MarketID:      req.MarketID,
		Owner:         req.Owner,
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Remaining:     req.Quantity,
		Status:        domain.OrderStatusQueued,
		PriorityScore: priority,
		ClientTxRef:   req.ClientTxRef,
		CreatedAt:     s.now(),
	}
	if err := s.orders.Enqueue(ctx, order); err != nil {
		return "", fmt.Errorf("enqueue order: %w", err)
	}

	observability.Log().Debug("order queued",
		observability.F("order", order.ID),
		observability.F("market", order.MarketID),
		observability.F("priority", priority))
	return order.ID, nil
}

// Cancel conditionally transitions QUEUED -> CANCELLED. An order that has
// already been claimed by a cycle, or reached a terminal state, is left
// untouched; the race resolves silently in matching's favour.
func (s *Service) Cancel(ctx context.Context, orderID string) (bool, error) {
	cancelled, err := s.orders.CancelQueued(ctx, orderID)
	if err != nil {
		return false, err
	}
	if cancelled {
		observability.Log().Debug("order cancelled", observability.F("order", orderID))
	}
	return cancelled, nil
}
