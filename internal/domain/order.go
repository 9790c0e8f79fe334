// Package domain holds the core types of the matching engine: markets,
// orders, trades, positions, and the store contracts they persist through.
package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/errs"
)

// PriceScale is the fixed-point precision of all market prices.
const PriceScale = 3

// TickSize is the minimum price increment. Prices live on the open interval
// (0, 1) at tick granularity; a binary-outcome probability cannot be 0 or 1.
var TickSize = decimal.New(1, -PriceScale)

var one = decimal.NewFromInt(1)

// Side distinguishes buy from sell orders.
type Side string

const (
	// SideBuy bids for outcome shares.
	SideBuy Side = "BUY"
	// SideSell offers outcome shares.
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	// OrderStatusQueued marks an order awaiting a matching cycle.
	OrderStatusQueued OrderStatus = "QUEUED"
	// OrderStatusProcessing marks an order claimed by exactly one cycle.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusPartial marks an order partially filled and resting in the book.
	OrderStatusPartial OrderStatus = "PARTIAL"
	// OrderStatusFilled marks a fully executed order.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled marks an order cancelled before processing.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected marks an order refused by validation or matching.
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a limit order against one market.
type Order struct {
	ID            string          `json:"id"`
	MarketID      string          `json:"market_id"`
	Owner         string          `json:"owner"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        OrderStatus     `json:"status"`
	PriorityScore int64           `json:"priority_score"`
	ClientTxRef   string          `json:"client_tx_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Filled returns the executed quantity.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// ValidatePrice checks tick alignment and the open (0, 1) price domain.
func ValidatePrice(price decimal.Decimal) error {
	if !price.Equal(price.Round(PriceScale)) {
		return errs.New("domain", errs.CodeValidation,
			errs.WithReason("invalid_price"),
			errs.WithMessage("price must align to "+TickSize.String()+" tick"))
	}
	if price.Cmp(TickSize) < 0 || price.Cmp(one.Sub(TickSize)) > 0 {
		return errs.New("domain", errs.CodeValidation,
			errs.WithReason("invalid_price"),
			errs.WithMessage("price must lie strictly inside (0, 1)"))
	}
	return nil
}

// ValidateQuantity rejects non-positive order sizes.
func ValidateQuantity(quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return errs.New("domain", errs.CodeValidation,
			errs.WithReason("invalid_quantity"),
			errs.WithMessage("quantity must be positive"))
	}
	return nil
}
