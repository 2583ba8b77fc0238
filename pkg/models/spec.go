package models

import "github.com/shopspring/decimal"

// SideSpec is the resolved quoting configuration of one side of a market.
type SideSpec struct {
	IsBuy bool
	// Scale multiplies source book quantities before replication.
	Scale  decimal.Decimal
	Levels int
	Spread decimal.Decimal
	Slope  decimal.Decimal
	// Value and Quantity budget the side; nil is unbounded.
	Value    *decimal.Decimal
	Quantity *decimal.Decimal
}

// MarketSpec pairs a target market with the source market it mirrors.
type MarketSpec struct {
	Symbol       string
	SourceSymbol string
	// PriceAdjust maps source prices onto the target quote asset.
	PriceAdjust   decimal.Decimal
	Fee           decimal.Decimal
	PriceDecimals int32
	Rebalance     bool
	MinHedgeBase  decimal.Decimal
	Buy           SideSpec
	Sell          SideSpec
}

func (m MarketSpec) Side(isBuy bool) SideSpec {
	if isBuy {
		return m.Buy
	}
	return m.Sell
}
