package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStore owns the durable order queue and order lifecycle records.
type OrderStore interface {
	// Enqueue persists a validated order with status QUEUED.
	Enqueue(ctx context.Context, order *Order) error
	// Get returns the order by id, or a not_found error.
	Get(ctx context.Context, id string) (*Order, error)
	// DequeueBatch claims up to limit QUEUED orders for the market in
	// ascending priority order, transitioning them to PROCESSING.
	DequeueBatch(ctx context.Context, marketID string, limit int) ([]*Order, error)
	// UpdateFill records the remaining quantity and status after matching.
	UpdateFill(ctx context.Context, orderID string, remaining decimal.Decimal, status OrderStatus) error
	// CancelQueued conditionally transitions QUEUED -> CANCELLED. A false
	// return means the order already left QUEUED; that is not an error.
	CancelQueued(ctx context.Context, orderID string) (bool, error)
	// RequeueProcessing returns any PROCESSING orders of the market to
	// QUEUED after a faulted cycle.
	RequeueProcessing(ctx context.Context, marketID string) error
	// QueueDepth counts QUEUED orders for the market.
	QueueDepth(ctx context.Context, marketID string) (int, error)
}

// TradeStore is the append-only trade ledger.
type TradeStore interface {
	Append(ctx context.Context, trade *Trade) error
	ListByMarket(ctx context.Context, marketID string, limit int) ([]*Trade, error)
	// ListUnconfirmed returns trades awaiting mirror-node confirmation.
	ListUnconfirmed(ctx context.Context, limit int) ([]*Trade, error)
	MarkMirrorConfirmed(ctx context.Context, tradeID string, at time.Time) error
}

// PositionStore persists per-account, per-outcome holdings.
type PositionStore interface {
	// Get returns the position, or a zeroed position when none exists yet.
	Get(ctx context.Context, marketID, accountID string, outcome Outcome) (*Position, error)
	Upsert(ctx context.Context, position *Position) error
	ListByAccount(ctx context.Context, accountID string) ([]*Position, error)
}

// MarketStore lists and mutates market records.
type MarketStore interface {
	Create(ctx context.Context, market *Market) error
	Get(ctx context.Context, id string) (*Market, error)
	ListActive(ctx context.Context) ([]*Market, error)
	SetStatus(ctx context.Context, id string, status MarketStatus) error
}

// StateStore persists per-market sequencer state, the monotonic priority
// counter, and the processing lease backing the single-writer claim.
type StateStore interface {
	// Load returns the market's state, or an empty state when none exists.
	Load(ctx context.Context, marketID string) (*SequencerState, error)
	Save(ctx context.Context, state *SequencerState) error
	// NextPriority atomically increments and returns the market's priority
	// counter. Never derived from wall clock.
	NextPriority(ctx context.Context, marketID string) (int64, error)
	// AcquireLease compare-and-sets the market's processing claim. A false
	// return means another cycle holds it.
	AcquireLease(ctx context.Context, marketID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, marketID, holder string) error
}

// TxRunner executes fn against a Stores view whose writes commit together
// and roll back together when fn returns an error.
type TxRunner func(ctx context.Context, fn func(ctx context.Context, st Stores) error) error

// Stores bundles the five store contracts a running engine needs.
type Stores struct {
	Orders    OrderStore
	Trades    TradeStore
	Positions PositionStore
	Markets   MarketStore
	State     StateStore
}
