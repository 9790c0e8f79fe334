package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one aggregated price level of a book side.
type Level struct {
	Price             decimal.Decimal `json:"price"`
	AggregateQuantity decimal.Decimal `json:"aggregate_quantity"`
	OrderCount        int             `json:"order_count"`
}

// RestingRef is one resting order's contribution to a level, in FIFO order.
// TxRef carries the order's on-chain submission hash so trades against the
// maker keep a settlement reference even when the taker submitted none.
type RestingRef struct {
	OrderID       string          `json:"order_id"`
	Owner         string          `json:"owner"`
	Remaining     decimal.Decimal `json:"remaining"`
	PriorityScore int64           `json:"priority_score"`
	TxRef         string          `json:"tx_ref,omitempty"`
}

// LevelDetail is a level with its FIFO queue, used to persist and restore
// the full book between cycles.
type LevelDetail struct {
	Price  decimal.Decimal `json:"price"`
	Orders []RestingRef    `json:"orders"`
}

// BookSnapshot is the aggregated, ordered view of a market's book: bids by
// price descending, asks ascending.
type BookSnapshot struct {
	MarketID string  `json:"market_id"`
	Sequence int64   `json:"sequence"`
	Bids     []Level `json:"bid_levels"`
	Asks     []Level `json:"ask_levels"`
}

// BestBid returns the top bid level when one exists.
func (s BookSnapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level when one exists.
func (s BookSnapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// SequencerState is the durable per-market matching state: the resting book
// with FIFO detail, the cycle sequence number, and the priority counter.
type SequencerState struct {
	MarketID     string        `json:"market_id"`
	Bids         []LevelDetail `json:"bid_levels"`
	Asks         []LevelDetail `json:"ask_levels"`
	LastSequence int64         `json:"last_sequence_number"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
