package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func SideOf(isBuy bool) Side {
	if isBuy {
		return SideBuy
	}
	return SideSell
}

func (s Side) IsBuy() bool {
	return s == SideBuy
}

func (s Side) String() string {
	return string(s)
}

// PriceLevel is available depth at a single price. A zero quantity means
// the level is absent.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func NewLevel(price, quantity string) PriceLevel {
	return PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(quantity),
	}
}

// Notional returns price × quantity.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

type Balance struct {
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
	Balance   decimal.Decimal `json:"balance"`
}

// PositionLeg is a net quote/base inventory.
type PositionLeg struct {
	Quote decimal.Decimal `json:"quote"`
	Base  decimal.Decimal `json:"base"`
}

func (p PositionLeg) Add(o PositionLeg) PositionLeg {
	return PositionLeg{Quote: p.Quote.Add(o.Quote), Base: p.Base.Add(o.Base)}
}

func (p PositionLeg) Sub(o PositionLeg) PositionLeg {
	return PositionLeg{Quote: p.Quote.Sub(o.Quote), Base: p.Base.Sub(o.Base)}
}

// Position tracks what fills on the target venue asked for (Target) and what
// hedges on the source venue have covered so far (Current).
type Position struct {
	Market    string      `json:"market"`
	Current   PositionLeg `json:"current"`
	Target    PositionLeg `json:"target"`
	UpdatedAt time.Time   `json:"updated_at"`
}
