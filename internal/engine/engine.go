// Package engine implements the matching sequencer: it drains each market's
// order queue in priority order against the resting book, producing trades,
// position updates, and a new book snapshot per cycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/book"
	"github.com/oddsmill/sequencer/internal/bus/eventbus"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/observability"
)

const (
	defaultBatchSize = 256
	defaultLeaseTTL  = 30 * time.Second
)

// Config wires an Engine. Tx scopes each processed order's writes to one
// transaction; when nil, effects apply directly to Stores with no rollback.
type Config struct {
	Stores    domain.Stores
	Tx        domain.TxRunner
	Bus       *eventbus.Bus
	Metrics   *observability.CycleMetrics
	BatchSize int
	LeaseTTL  time.Duration
}

// Engine owns matching for all markets. Cycles for distinct markets run in
// parallel; cycles for the same market are serialised by a per-market claim.
type Engine struct {
	stores    domain.Stores
	tx        domain.TxRunner
	bus       *eventbus.Bus
	metrics   *observability.CycleMetrics
	holder    string
	batchSize int
	leaseTTL  time.Duration

	mu     sync.Mutex
	claims map[string]*atomic.Bool
	books  map[string]*book.Book

	cyclesCounter metric.Int64Counter
	tradesCounter metric.Int64Counter
	faultsCounter metric.Int64Counter

	now   func() time.Time
	newID func() string
}

// New constructs an Engine from the given configuration.
func New(cfg Config) *Engine {
	e := &Engine{
		stores:    cfg.Stores,
		tx:        cfg.Tx,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		holder:    uuid.NewString(),
		batchSize: cfg.BatchSize,
		leaseTTL:  cfg.LeaseTTL,
		claims:    make(map[string]*atomic.Bool),
		books:     make(map[string]*book.Book),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if e.metrics == nil {
		e.metrics = observability.NewCycleMetrics()
	}
	if e.tx == nil {
		e.tx = func(ctx context.Context, fn func(context.Context, domain.Stores) error) error {
			return fn(ctx, e.stores)
		}
	}
	meter := otel.Meter("engine")
	e.cyclesCounter, _ = meter.Int64Counter("engine.cycles.completed",
		metric.WithDescription("Number of completed matching cycles"),
		metric.WithUnit("{cycle}"))
	e.tradesCounter, _ = meter.Int64Counter("engine.trades.matched",
		metric.WithDescription("Number of trades produced by matching"),
		metric.WithUnit("{trade}"))
	e.faultsCounter, _ = meter.Int64Counter("engine.cycles.faulted",
		metric.WithDescription("Number of matching cycles aborted by a fault"),
		metric.WithUnit("{cycle}"))
	return e
}

// CycleResult summarises one RunCycle invocation.
type CycleResult struct {
	MarketID  string          `json:"market_id"`
	Sequence  int64           `json:"sequence"`
	Processed int             `json:"processed"`
	Trades    []*domain.Trade `json:"trades,omitempty"`
	Skipped   bool            `json:"skipped"`
}

// Metrics exposes the in-memory cycle metrics accumulator.
func (e *Engine) Metrics() *observability.CycleMetrics {
	return e.metrics
}

func (e *Engine) claimFor(marketID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	claim, ok := e.claims[marketID]
	if !ok {
		claim = new(atomic.Bool)
		e.claims[marketID] = claim
	}
	return claim
}

func (e *Engine) bookFor(ctx context.Context, marketID string) (*book.Book, error) {
	e.mu.Lock()
	bk, ok := e.books[marketID]
	e.mu.Unlock()
	if ok {
		return bk, nil
	}
	state, err := e.stores.State.Load(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load sequencer state: %w", err)
	}
	bk = book.Restore(state)
	e.mu.Lock()
	e.books[marketID] = bk
	e.mu.Unlock()
	return bk, nil
}

// RunCycle drains the market's queue against its book. Invoking it with an
// empty queue is a no-op; invoking it while another cycle holds the market
// is a cooperative skip, not an error. Each order's trades, fills, position
// updates, and book snapshot commit in one transaction. A fault mid-cycle is
// isolated to the market: the aborted order's writes roll back, the claim is
// released, the market is flagged errored, and claimed orders return to the
// queue.
func (e *Engine) RunCycle(ctx context.Context, marketID string) (CycleResult, error) {
	result := CycleResult{MarketID: marketID}

	claim := e.claimFor(marketID)
	if !claim.CompareAndSwap(false, true) {
		e.metrics.RecordClaimConflict(marketID)
		result.Skipped = true
		return result, nil
	}
	defer claim.Store(false)

	acquired, err := e.stores.State.AcquireLease(ctx, marketID, e.holder, e.leaseTTL)
	if err != nil {
		return result, fmt.Errorf("acquire lease %s: %w", marketID, err)
	}
	if !acquired {
		e.metrics.RecordClaimConflict(marketID)
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := e.stores.State.ReleaseLease(context.WithoutCancel(ctx), marketID, e.holder); err != nil {
			observability.Log().Error("release lease",
				observability.F("market", marketID),
				observability.F("error", err))
		}
	}()

	bk, err := e.bookFor(ctx, marketID)
	if err != nil {
		return result, e.fault(ctx, marketID, err)
	}
	result.Sequence = bk.Sequence()

	orders, err := e.stores.Orders.DequeueBatch(ctx, marketID, e.batchSize)
	if err != nil {
		return result, e.fault(ctx, marketID, err)
	}
	if len(orders) == 0 {
		return result, nil
	}
	result.Sequence = bk.AdvanceSequence()

	for _, order := range orders {
		var trades []*domain.Trade
		txErr := e.tx(ctx, func(ctx context.Context, st domain.Stores) error {
			var matchErr error
			trades, matchErr = e.matchIncoming(ctx, st, bk, order)
			if matchErr != nil {
				return matchErr
			}
			if bk.Crossed() {
				return fmt.Errorf("book crossed after order %s", order.ID)
			}
			// The snapshot commits with the order's fills and trades, so at
			// every fault point the durable book agrees with the ledgers.
			return st.State.Save(ctx, bk.State())
		})
		if txErr != nil {
			return result, e.fault(ctx, marketID, txErr)
		}
		result.Trades = append(result.Trades, trades...)
		result.Processed++
	}

	attrs := metric.WithAttributes(attribute.String("market", marketID))
	e.cyclesCounter.Add(ctx, 1, attrs)
	e.tradesCounter.Add(ctx, int64(len(result.Trades)), attrs)
	e.metrics.RecordCycle(marketID, len(result.Trades))
	if depth, err := e.stores.Orders.QueueDepth(ctx, marketID); err == nil {
		e.metrics.RecordQueueDepth(marketID, depth)
	}

	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.CycleEvent{
			MarketID:  marketID,
			Sequence:  result.Sequence,
			Trades:    result.Trades,
			Book:      bk.Snapshot(),
			EmittedAt: e.now(),
		})
	}

	observability.Log().Debug("cycle complete",
		observability.F("market", marketID),
		observability.F("sequence", result.Sequence),
		observability.F("orders", result.Processed),
		observability.F("trades", len(result.Trades)))
	return result, nil
}

// matchIncoming crosses the incoming order against the opposite side until
// liquidity runs out, then rests any remainder in the order's own side. All
// writes go through st so they share the caller's transaction.
func (e *Engine) matchIncoming(ctx context.Context, st domain.Stores, bk *book.Book, order *domain.Order) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	opposite := order.Side.Opposite()

	for order.Remaining.Sign() > 0 {
		front, ok := bk.Front(opposite)
		if !ok || !crosses(order.Side, order.Price, front.Price) {
			break
		}

		quantity := order.Remaining
		if front.Ref.Remaining.Cmp(quantity) < 0 {
			quantity = front.Ref.Remaining
		}

		// Price-time priority: the resting order sets the trade price.
		trade := &domain.Trade{
			ID:        e.newID(),
			MarketID:  order.MarketID,
			Price:     front.Price,
			Quantity:  quantity,
			Sequence:  bk.Sequence(),
			TxRef:     settlementRef(order, front.Ref),
			CreatedAt: e.now(),
		}
		if order.Side == domain.SideBuy {
			trade.BuyOrderID, trade.Buyer = order.ID, order.Owner
			trade.SellOrderID, trade.Seller = front.Ref.OrderID, front.Ref.Owner
		} else {
			trade.SellOrderID, trade.Seller = order.ID, order.Owner
			trade.BuyOrderID, trade.Buyer = front.Ref.OrderID, front.Ref.Owner
		}

		makerRemaining, ok := bk.RemoveOrShrink(opposite, front.Price, quantity, front.Ref.OrderID)
		if !ok {
			return trades, fmt.Errorf("resting order %s vanished from level %s", front.Ref.OrderID, front.Price)
		}
		order.Remaining = order.Remaining.Sub(quantity)

		makerStatus := domain.OrderStatusPartial
		if makerRemaining.IsZero() {
			makerStatus = domain.OrderStatusFilled
		}
		if err := st.Orders.UpdateFill(ctx, front.Ref.OrderID, makerRemaining, makerStatus); err != nil {
			return trades, fmt.Errorf("update maker %s: %w", front.Ref.OrderID, err)
		}

		if err := e.settle(ctx, st, trade); err != nil {
			return trades, err
		}
		trades = append(trades, trade)
	}

	if order.Remaining.Sign() > 0 {
		bk.InsertOrMerge(order.Side, order.Price, domain.RestingRef{
			OrderID:       order.ID,
			Owner:         order.Owner,
			Remaining:     order.Remaining,
			PriorityScore: order.PriorityScore,
			TxRef:         order.ClientTxRef,
		})
		if err := st.Orders.UpdateFill(ctx, order.ID, order.Remaining, domain.OrderStatusPartial); err != nil {
			return trades, fmt.Errorf("rest taker %s: %w", order.ID, err)
		}
		return trades, nil
	}

	if err := st.Orders.UpdateFill(ctx, order.ID, decimal.Zero, domain.OrderStatusFilled); err != nil {
		return trades, fmt.Errorf("fill taker %s: %w", order.ID, err)
	}
	return trades, nil
}

func crosses(side domain.Side, limit, resting decimal.Decimal) bool {
	if side == domain.SideBuy {
		return limit.Cmp(resting) >= 0
	}
	return limit.Cmp(resting) <= 0
}

// settlementRef picks the on-chain reference the mirror node is later
// queried with: the taker's submission hash, or the maker's when the taker
// submitted none.
func settlementRef(taker *domain.Order, maker domain.RestingRef) string {
	if taker.ClientTxRef != "" {
		return taker.ClientTxRef
	}
	return maker.TxRef
}

// settle appends the trade and applies the two symmetric position updates:
// the buyer gains YES exposure at the trade price, the seller gains the
// equivalent NO exposure at the complement price.
func (e *Engine) settle(ctx context.Context, st domain.Stores, trade *domain.Trade) error {
	if err := st.Trades.Append(ctx, trade); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}

	buyOutcome := domain.OutcomeForSide(domain.SideBuy)
	sellOutcome := domain.OutcomeForSide(domain.SideSell)

	buyer, err := st.Positions.Get(ctx, trade.MarketID, trade.Buyer, buyOutcome)
	if err != nil {
		return fmt.Errorf("load buyer position: %w", err)
	}
	buyer.ApplyFill(trade.Quantity, trade.Price)
	buyer.MarkToPrice(trade.Price)
	buyer.UpdatedAt = e.now()
	if err := st.Positions.Upsert(ctx, buyer); err != nil {
		return fmt.Errorf("upsert buyer position: %w", err)
	}

	complement := domain.ComplementPrice(trade.Price)
	seller, err := st.Positions.Get(ctx, trade.MarketID, trade.Seller, sellOutcome)
	if err != nil {
		return fmt.Errorf("load seller position: %w", err)
	}
	seller.ApplyFill(trade.Quantity, complement)
	seller.MarkToPrice(complement)
	seller.UpdatedAt = e.now()
	if err := st.Positions.Upsert(ctx, seller); err != nil {
		return fmt.Errorf("upsert seller position: %w", err)
	}
	return nil
}

// fault isolates a cycle failure to its market: the aborted order's writes
// have rolled back, claimed orders return to the queue, the market is
// flagged errored, and a MatchFault is surfaced.
func (e *Engine) fault(ctx context.Context, marketID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	e.faultsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("market", marketID)))
	e.metrics.RecordFault(marketID)

	if err := e.stores.Orders.RequeueProcessing(ctx, marketID); err != nil {
		observability.Log().Error("requeue after fault",
			observability.F("market", marketID),
			observability.F("error", err))
	}
	if err := e.stores.Markets.SetStatus(ctx, marketID, domain.MarketStatusErrored); err != nil {
		observability.Log().Error("flag errored market",
			observability.F("market", marketID),
			observability.F("error", err))
	}

	// Drop the cached book; it may hold partially applied mutations.
	e.mu.Lock()
	delete(e.books, marketID)
	e.mu.Unlock()

	observability.Log().Error("matching cycle fault",
		observability.F("market", marketID),
		observability.F("error", cause))
	return errs.New("engine", errs.CodeMatchFault,
		errs.WithMarket(marketID),
		errs.WithMessage("matching cycle aborted"),
		errs.WithCause(cause))
}
