package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a limit order request. ReplaceOrderID names the resting order the
// new one supersedes, empty for a fresh placement.
type Order struct {
	Market         string          `json:"market"`
	IsBuy          bool            `json:"is_buy"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReplaceOrderID string          `json:"replace_order_id,omitempty"`
}

func (o Order) Side() Side {
	return SideOf(o.IsBuy)
}

// OrderReport is the last known state of a resting order. An empty OrderID
// is the "no order" sentinel.
type OrderReport struct {
	OrderID   string          `json:"order_id"`
	Market    string          `json:"market"`
	IsBuy     bool            `json:"is_buy"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

func (r OrderReport) Empty() bool {
	return r.OrderID == ""
}

// Fill is a match notification from a venue. Sequence is zero for fills the
// venue reports as self-trades.
type Fill struct {
	Market   string          `json:"market"`
	OrderID  string          `json:"order_id"`
	IsBuy    bool            `json:"is_buy"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sequence int64           `json:"sequence"`
	Time     time.Time       `json:"time"`
}

func (f Fill) SelfTrade() bool {
	return f.Sequence == 0
}

type OrderEventReason string

const (
	OrderFilled   OrderEventReason = "filled"
	OrderCanceled OrderEventReason = "canceled"
	OrderClosed   OrderEventReason = "closed"
)

// OrderEvent reports that an order is no longer resting on the venue.
type OrderEvent struct {
	OrderID string           `json:"order_id"`
	Market  string           `json:"market"`
	Reason  OrderEventReason `json:"reason"`
}

// DoneOrder is a closed order with its executed totals.
type DoneOrder struct {
	OrderID       string          `json:"order_id"`
	Market        string          `json:"market"`
	IsBuy         bool            `json:"is_buy"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	ExecutedValue decimal.Decimal `json:"executed_value"`
	FillFees      decimal.Decimal `json:"fill_fees"`
	DoneAt        time.Time       `json:"done_at"`
}
