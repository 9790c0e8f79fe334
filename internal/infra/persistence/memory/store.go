// Package memory provides in-memory store implementations backing dev mode
// and unit tests. Semantics mirror the Postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
)

type lease struct {
	holder string
	until  time.Time
}

// core keeps all engine state behind a single mutex. Dev-mode books are
// tiny, so contention is not a concern.
type core struct {
	mu         sync.Mutex
	txMu       sync.Mutex
	orders     map[string]*domain.Order
	trades     []*domain.Trade
	positions  map[string]*domain.Position
	markets    map[string]*domain.Market
	states     map[string]*domain.SequencerState
	priorities map[string]int64
	leases     map[string]lease
	now        func() time.Time
}

// Store bundles the in-memory implementations of the five store contracts.
type Store struct {
	core *core
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{core: &core{
		orders:     make(map[string]*domain.Order),
		positions:  make(map[string]*domain.Position),
		markets:    make(map[string]*domain.Market),
		states:     make(map[string]*domain.SequencerState),
		priorities: make(map[string]int64),
		leases:     make(map[string]lease),
		now:        time.Now,
	}}
}

// Stores exposes the store through the engine contracts.
func (s *Store) Stores() domain.Stores {
	return domain.Stores{
		Orders:    &OrderStore{core: s.core},
		Trades:    &TradeStore{core: s.core},
		Positions: &PositionStore{core: s.core},
		Markets:   &MarketStore{core: s.core},
		State:     &StateStore{core: s.core},
	}
}

// InTx runs fn against the stores with copy-on-begin rollback: when fn
// returns an error every write it made is undone. Transactions are
// serialised on a dedicated lock; dev-mode books are tiny.
func (s *Store) InTx(ctx context.Context, fn func(context.Context, domain.Stores) error) error {
	s.core.txMu.Lock()
	defer s.core.txMu.Unlock()
	snap := s.core.snapshot()
	if err := fn(ctx, s.Stores()); err != nil {
		s.core.restore(snap)
		return err
	}
	return nil
}

type coreSnapshot struct {
	orders     map[string]*domain.Order
	trades     []*domain.Trade
	positions  map[string]*domain.Position
	markets    map[string]*domain.Market
	states     map[string]*domain.SequencerState
	priorities map[string]int64
	leases     map[string]lease
}

func (c *core) snapshot() *coreSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := &coreSnapshot{
		orders:     make(map[string]*domain.Order, len(c.orders)),
		trades:     make([]*domain.Trade, 0, len(c.trades)),
		positions:  make(map[string]*domain.Position, len(c.positions)),
		markets:    make(map[string]*domain.Market, len(c.markets)),
		states:     make(map[string]*domain.SequencerState, len(c.states)),
		priorities: make(map[string]int64, len(c.priorities)),
		leases:     make(map[string]lease, len(c.leases)),
	}
	for id, o := range c.orders {
		snap.orders[id] = copyOrder(o)
	}
	for _, t := range c.trades {
		cp := *t
		snap.trades = append(snap.trades, &cp)
	}
	for k, p := range c.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	for id, m := range c.markets {
		cp := *m
		snap.markets[id] = &cp
	}
	for id, st := range c.states {
		cp := *st
		snap.states[id] = &cp
	}
	for id, n := range c.priorities {
		snap.priorities[id] = n
	}
	for id, l := range c.leases {
		snap.leases[id] = l
	}
	return snap
}

func (c *core) restore(snap *coreSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = snap.orders
	c.trades = snap.trades
	c.positions = snap.positions
	c.markets = snap.markets
	c.states = snap.states
	c.priorities = snap.priorities
	c.leases = snap.leases
}

// SetClock overrides the lease clock; tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	s.core.now = now
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	return &cp
}

// OrderStore implements domain.OrderStore in memory.
type OrderStore struct {
	core *core
}

// Enqueue persists a QUEUED order.
func (s *OrderStore) Enqueue(_ context.Context, order *domain.Order) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if _, exists := s.core.orders[order.ID]; exists {
		return errs.New("memory", errs.CodeConflict, errs.WithMessage("order id already exists"))
	}
	s.core.orders[order.ID] = copyOrder(order)
	return nil
}

// Get returns a copy of the order.
func (s *OrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	o, ok := s.core.orders[id]
	if !ok {
		return nil, errs.New("memory", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return copyOrder(o), nil
}

// DequeueBatch claims QUEUED orders ascending by priority.
func (s *OrderStore) DequeueBatch(_ context.Context, marketID string, limit int) ([]*domain.Order, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	var queued []*domain.Order
	for _, o := range s.core.orders {
		if o.MarketID == marketID && o.Status == domain.OrderStatusQueued {
			queued = append(queued, o)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].PriorityScore < queued[j].PriorityScore
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]*domain.Order, 0, len(queued))
	for _, o := range queued {
		o.Status = domain.OrderStatusProcessing
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// UpdateFill records matching progress on an order.
func (s *OrderStore) UpdateFill(_ context.Context, orderID string, remaining decimal.Decimal, status domain.OrderStatus) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	o, ok := s.core.orders[orderID]
	if !ok {
		return errs.New("memory", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	o.Remaining = remaining
	o.Status = status
	return nil
}

// CancelQueued conditionally cancels an order still in QUEUED.
func (s *OrderStore) CancelQueued(_ context.Context, orderID string) (bool, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	o, ok := s.core.orders[orderID]
	if !ok {
		return false, errs.New("memory", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	if o.Status != domain.OrderStatusQueued {
		return false, nil
	}
	o.Status = domain.OrderStatusCancelled
	return true, nil
}

// RequeueProcessing returns PROCESSING orders to QUEUED after a fault.
func (s *OrderStore) RequeueProcessing(_ context.Context, marketID string) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	for _, o := range s.core.orders {
		if o.MarketID == marketID && o.Status == domain.OrderStatusProcessing {
			o.Status = domain.OrderStatusQueued
		}
	}
	return nil
}

// QueueDepth counts QUEUED orders for a market.
func (s *OrderStore) QueueDepth(_ context.Context, marketID string) (int, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	depth := 0
	for _, o := range s.core.orders {
		if o.MarketID == marketID && o.Status == domain.OrderStatusQueued {
			depth++
		}
	}
	return depth, nil
}

// TradeStore implements domain.TradeStore in memory.
type TradeStore struct {
	core *core
}

// Append records a trade.
func (s *TradeStore) Append(_ context.Context, trade *domain.Trade) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	cp := *trade
	s.core.trades = append(s.core.trades, &cp)
	return nil
}

// ListByMarket returns the market's trades, newest first.
func (s *TradeStore) ListByMarket(_ context.Context, marketID string, limit int) ([]*domain.Trade, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	var out []*domain.Trade
	for i := len(s.core.trades) - 1; i >= 0; i-- {
		if s.core.trades[i].MarketID != marketID {
			continue
		}
		cp := *s.core.trades[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListUnconfirmed returns trades lacking mirror confirmation, oldest first.
func (s *TradeStore) ListUnconfirmed(_ context.Context, limit int) ([]*domain.Trade, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	var out []*domain.Trade
	for _, t := range s.core.trades {
		if t.MirrorConfirmedAt != nil {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkMirrorConfirmed stamps the trade's confirmation time.
func (s *TradeStore) MarkMirrorConfirmed(_ context.Context, tradeID string, at time.Time) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	for _, t := range s.core.trades {
		if t.ID == tradeID {
			stamped := at
			t.MirrorConfirmedAt = &stamped
			return nil
		}
	}
	return errs.New("memory", errs.CodeNotFound, errs.WithMessage("trade not found"))
}

// PositionStore implements domain.PositionStore in memory.
type PositionStore struct {
	core *core
}

func positionKey(marketID, accountID string, outcome domain.Outcome) string {
	return marketID + "|" + accountID + "|" + string(outcome)
}

// Get returns the position, or a zeroed one when none exists yet.
func (s *PositionStore) Get(_ context.Context, marketID, accountID string, outcome domain.Outcome) (*domain.Position, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if p, ok := s.core.positions[positionKey(marketID, accountID, outcome)]; ok {
		cp := *p
		return &cp, nil
	}
	return &domain.Position{
		MarketID:  marketID,
		AccountID: accountID,
		Outcome:   outcome,
	}, nil
}

// Upsert stores the position.
func (s *PositionStore) Upsert(_ context.Context, position *domain.Position) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	cp := *position
	s.core.positions[positionKey(position.MarketID, position.AccountID, position.Outcome)] = &cp
	return nil
}

// ListByAccount returns all of an account's positions.
func (s *PositionStore) ListByAccount(_ context.Context, accountID string) ([]*domain.Position, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	var out []*domain.Position
	for _, p := range s.core.positions {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct {
	core *core
}

// Create registers a market.
func (s *MarketStore) Create(_ context.Context, market *domain.Market) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if _, exists := s.core.markets[market.ID]; exists {
		return errs.New("memory", errs.CodeConflict, errs.WithMessage("market already exists"))
	}
	cp := *market
	s.core.markets[market.ID] = &cp
	return nil
}

// Get returns the market by id.
func (s *MarketStore) Get(_ context.Context, id string) (*domain.Market, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	m, ok := s.core.markets[id]
	if !ok {
		return nil, errs.New("memory", errs.CodeUnknownMarket, errs.WithMarket(id))
	}
	cp := *m
	return &cp, nil
}

// ListActive returns tradable markets sorted by id.
func (s *MarketStore) ListActive(_ context.Context) ([]*domain.Market, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	var out []*domain.Market
	for _, m := range s.core.markets {
		if m.Status == domain.MarketStatusActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStatus updates a market's status.
func (s *MarketStore) SetStatus(_ context.Context, id string, status domain.MarketStatus) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	m, ok := s.core.markets[id]
	if !ok {
		return errs.New("memory", errs.CodeUnknownMarket, errs.WithMarket(id))
	}
	m.Status = status
	return nil
}

// StateStore implements domain.StateStore in memory.
type StateStore struct {
	core *core
}

// Load returns sequencer state, or an empty state when none was saved.
func (s *StateStore) Load(_ context.Context, marketID string) (*domain.SequencerState, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if st, ok := s.core.states[marketID]; ok {
		cp := *st
		return &cp, nil
	}
	return &domain.SequencerState{MarketID: marketID}, nil
}

// Save persists sequencer state.
func (s *StateStore) Save(_ context.Context, state *domain.SequencerState) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	cp := *state
	cp.UpdatedAt = s.core.now()
	s.core.states[state.MarketID] = &cp
	return nil
}

// NextPriority increments the market's monotonic priority counter.
func (s *StateStore) NextPriority(_ context.Context, marketID string) (int64, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	s.core.priorities[marketID]++
	return s.core.priorities[marketID], nil
}

// AcquireLease compare-and-sets the market's processing claim.
func (s *StateStore) AcquireLease(_ context.Context, marketID, holder string, ttl time.Duration) (bool, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	now := s.core.now()
	if l, held := s.core.leases[marketID]; held && l.until.After(now) && l.holder != holder {
		return false, nil
	}
	s.core.leases[marketID] = lease{holder: holder, until: now.Add(ttl)}
	return true, nil
}

// ReleaseLease clears the claim when still held by the holder.
func (s *StateStore) ReleaseLease(_ context.Context, marketID, holder string) error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if l, held := s.core.leases[marketID]; held && l.holder == holder {
		delete(s.core.leases, marketID)
	}
	return nil
}
