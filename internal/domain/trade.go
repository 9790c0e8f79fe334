package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution between a buy and a sell order. Trades are
// append-only; nothing mutates a trade after creation except the
// mirror-confirmation stamp.
type Trade struct {
	ID                string          `json:"id"`
	MarketID          string          `json:"market_id"`
	BuyOrderID        string          `json:"buy_order_id"`
	SellOrderID       string          `json:"sell_order_id"`
	Buyer             string          `json:"buyer"`
	Seller            string          `json:"seller"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	Sequence          int64           `json:"sequence"`
	TxRef             string          `json:"tx_ref,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	MirrorConfirmedAt *time.Time      `json:"mirror_confirmed_at,omitempty"`
}
