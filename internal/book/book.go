// Package book maintains the per-market price-level ladder. All mutations
// flow through the sequencer; the book has no independent write path.
package book

import (
	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/internal/domain"
)

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
	fifo  []domain.RestingRef
}

// ladder is one side of the book. Prices are kept sorted best-first: bids
// descending, asks ascending.
type ladder struct {
	descending bool
	levels     map[string]*level
	prices     []decimal.Decimal
}

func newLadder(descending bool) *ladder {
	return &ladder{
		descending: descending,
		levels:     make(map[string]*level),
	}
}

func priceKey(price decimal.Decimal) string {
	return price.StringFixed(domain.PriceScale)
}

func (l *ladder) best() (*level, bool) {
	if len(l.prices) == 0 {
		return nil, false
	}
	return l.levels[priceKey(l.prices[0])], true
}

func (l *ladder) at(price decimal.Decimal) (*level, bool) {
	lv, ok := l.levels[priceKey(price)]
	return lv, ok
}

func (l *ladder) before(a, b decimal.Decimal) bool {
	if l.descending {
		return a.Cmp(b) > 0
	}
	return a.Cmp(b) < 0
}

func (l *ladder) insert(price decimal.Decimal, ref domain.RestingRef) {
	key := priceKey(price)
	lv, ok := l.levels[key]
	if !ok {
		lv = &level{price: price}
		l.levels[key] = lv
		idx := len(l.prices)
		for i, p := range l.prices {
			if l.before(price, p) {
				idx = i
				break
			}
		}
		l.prices = append(l.prices, decimal.Decimal{})
		copy(l.prices[idx+1:], l.prices[idx:])
		l.prices[idx] = price
	}
	lv.qty = lv.qty.Add(ref.Remaining)
	lv.fifo = append(lv.fifo, ref)
}

func (l *ladder) dropLevel(price decimal.Decimal) {
	delete(l.levels, priceKey(price))
	for i, p := range l.prices {
		if p.Equal(price) {
			l.prices = append(l.prices[:i], l.prices[i+1:]...)
			return
		}
	}
}

// Book is a two-sided order book for a single market plus its cycle
// sequence number.
type Book struct {
	marketID string
	bids     *ladder
	asks     *ladder
	sequence int64
}

// New creates an empty book for the market.
func New(marketID string) *Book {
	return &Book{
		marketID: marketID,
		bids:     newLadder(true),
		asks:     newLadder(false),
	}
}

// Restore rebuilds a book from persisted sequencer state, preserving FIFO
// order within each level.
func Restore(state *domain.SequencerState) *Book {
	b := New(state.MarketID)
	b.sequence = state.LastSequence
	for _, lv := range state.Bids {
		for _, ref := range lv.Orders {
			b.bids.insert(lv.Price, ref)
		}
	}
	for _, lv := range state.Asks {
		for _, ref := range lv.Orders {
			b.asks.insert(lv.Price, ref)
		}
	}
	return b
}

// MarketID returns the market the book belongs to.
func (b *Book) MarketID() string { return b.marketID }

// Sequence returns the last completed cycle sequence number.
func (b *Book) Sequence() int64 { return b.sequence }

// AdvanceSequence increments and returns the cycle sequence number.
func (b *Book) AdvanceSequence() int64 {
	b.sequence++
	return b.sequence
}

func (b *Book) side(s domain.Side) *ladder {
	if s == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the aggregated top bid level.
func (b *Book) BestBid() (domain.Level, bool) {
	return aggregate(b.bids.best())
}

// BestAsk returns the aggregated top ask level.
func (b *Book) BestAsk() (domain.Level, bool) {
	return aggregate(b.asks.best())
}

// LevelAt returns the aggregated level at a price on the given side.
func (b *Book) LevelAt(side domain.Side, price decimal.Decimal) (domain.Level, bool) {
	return aggregate(b.side(side).at(price))
}

func aggregate(lv *level, ok bool) (domain.Level, bool) {
	if !ok {
		return domain.Level{}, false
	}
	return domain.Level{
		Price:             lv.price,
		AggregateQuantity: lv.qty,
		OrderCount:        len(lv.fifo),
	}, true
}

// FrontEntry is the oldest resting order at the best level of one side.
type FrontEntry struct {
	Price decimal.Decimal
	Ref   domain.RestingRef
}

// Front returns the FIFO head of the best level on the given side.
func (b *Book) Front(side domain.Side) (FrontEntry, bool) {
	lv, ok := b.side(side).best()
	if !ok || len(lv.fifo) == 0 {
		return FrontEntry{}, false
	}
	return FrontEntry{Price: lv.price, Ref: lv.fifo[0]}, true
}

// InsertOrMerge rests an order contribution at its price level, creating the
// level when absent and appending to the FIFO queue otherwise.
func (b *Book) InsertOrMerge(side domain.Side, price decimal.Decimal, ref domain.RestingRef) {
	b.side(side).insert(price, ref)
}

// RemoveOrShrink subtracts quantity from the named order at a price level.
// A fully consumed order leaves the FIFO queue; an empty level leaves the
// ladder. Returns the remaining quantity of the touched order.
func (b *Book) RemoveOrShrink(side domain.Side, price decimal.Decimal, quantity decimal.Decimal, orderID string) (decimal.Decimal, bool) {
	ld := b.side(side)
	lv, ok := ld.at(price)
	if !ok {
		return decimal.Zero, false
	}
	for i := range lv.fifo {
		if lv.fifo[i].OrderID != orderID {
			continue
		}
		take := quantity
		if take.Cmp(lv.fifo[i].Remaining) > 0 {
			take = lv.fifo[i].Remaining
		}
		lv.fifo[i].Remaining = lv.fifo[i].Remaining.Sub(take)
		lv.qty = lv.qty.Sub(take)
		remaining := lv.fifo[i].Remaining
		if remaining.IsZero() {
			lv.fifo = append(lv.fifo[:i], lv.fifo[i+1:]...)
		}
		if len(lv.fifo) == 0 {
			ld.dropLevel(price)
		}
		return remaining, true
	}
	return decimal.Zero, false
}

// Crossed reports whether best bid meets or exceeds best ask. A completed
// cycle must leave the book uncrossed.
func (b *Book) Crossed() bool {
	bid, okBid := b.bids.best()
	ask, okAsk := b.asks.best()
	if !okBid || !okAsk {
		return false
	}
	return bid.price.Cmp(ask.price) >= 0
}

// Snapshot returns the aggregated ordered view of the book.
func (b *Book) Snapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID: b.marketID,
		Sequence: b.sequence,
		Bids:     make([]domain.Level, 0, len(b.bids.prices)),
		Asks:     make([]domain.Level, 0, len(b.asks.prices)),
	}
	for _, p := range b.bids.prices {
		lv, _ := aggregate(b.bids.at(p))
		snap.Bids = append(snap.Bids, lv)
	}
	for _, p := range b.asks.prices {
		lv, _ := aggregate(b.asks.at(p))
		snap.Asks = append(snap.Asks, lv)
	}
	return snap
}

// State serialises the book, including FIFO detail, for persistence.
func (b *Book) State() *domain.SequencerState {
	state := &domain.SequencerState{
		MarketID:     b.marketID,
		LastSequence: b.sequence,
		Bids:         make([]domain.LevelDetail, 0, len(b.bids.prices)),
		Asks:         make([]domain.LevelDetail, 0, len(b.asks.prices)),
	}
	for _, p := range b.bids.prices {
		lv, _ := b.bids.at(p)
		state.Bids = append(state.Bids, detail(lv))
	}
	for _, p := range b.asks.prices {
		lv, _ := b.asks.at(p)
		state.Asks = append(state.Asks, detail(lv))
	}
	return state
}

func detail(lv *level) domain.LevelDetail {
	orders := make([]domain.RestingRef, len(lv.fifo))
	copy(orders, lv.fifo)
	return domain.LevelDetail{Price: lv.price, Orders: orders}
}
