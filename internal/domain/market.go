package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus tracks whether a market accepts and matches orders.
type MarketStatus string

const (
	// MarketStatusActive marks a market open for trading.
	MarketStatusActive MarketStatus = "active"
	// MarketStatusPaused marks a market temporarily excluded from cycles.
	MarketStatusPaused MarketStatus = "paused"
	// MarketStatusErrored marks a market flagged by a matching fault.
	MarketStatusErrored MarketStatus = "errored"
	// MarketStatusResolved marks a settled market.
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is one binary-outcome prediction market.
type Market struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Status    MarketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Tradable reports whether the market participates in matching cycles.
func (m *Market) Tradable() bool {
	return m != nil && m.Status == MarketStatusActive
}

// Outcome names one leg of a binary market.
type Outcome string

const (
	// OutcomeYes is the affirmative leg.
	OutcomeYes Outcome = "YES"
	// OutcomeNo is the negative leg.
	OutcomeNo Outcome = "NO"
)

// OutcomeForSide maps an order side to the exposure it acquires in a binary
// market: buying is YES exposure at the trade price, selling is the
// equivalent NO exposure at the complement price. The mapping is a pure
// function so multi-outcome markets can substitute their own table.
func OutcomeForSide(side Side) Outcome {
	if side == SideBuy {
		return OutcomeYes
	}
	return OutcomeNo
}

// ComplementPrice converts a YES price into the matching NO price.
func ComplementPrice(price decimal.Decimal) decimal.Decimal {
	return one.Sub(price)
}
