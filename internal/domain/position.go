package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one account's holding in one outcome of one market. Positions
// are derived solely from trades; the sequencer is their single writer.
type Position struct {
	MarketID      string          `json:"market_id"`
	AccountID     string          `json:"account_id"`
	Outcome       Outcome         `json:"outcome"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ApplyFill mutates the position with a signed quantity delta at the given
// trade price. Increases reweight the average entry price by quantity;
// decreases realize PnL against the existing average entry and leave it
// unchanged.
func (p *Position) ApplyFill(delta, price decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	if delta.Sign() > 0 {
		newQty := p.Quantity.Add(delta)
		weighted := p.AvgEntryPrice.Mul(p.Quantity).Add(price.Mul(delta))
		p.AvgEntryPrice = weighted.Div(newQty)
		p.Quantity = newQty
		return
	}
	closed := delta.Neg()
	if closed.Cmp(p.Quantity) > 0 {
		closed = p.Quantity
	}
	p.RealizedPnL = p.RealizedPnL.Add(closed.Mul(price.Sub(p.AvgEntryPrice)))
	p.Quantity = p.Quantity.Sub(closed)
	if p.Quantity.IsZero() {
		p.AvgEntryPrice = decimal.Zero
	}
}

// MarkToPrice refreshes the unrealized PnL against a mark price.
func (p *Position) MarkToPrice(mark decimal.Decimal) {
	p.UnrealizedPnL = p.Quantity.Mul(mark.Sub(p.AvgEntryPrice))
}
