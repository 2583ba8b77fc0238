// Package levels turns raw book depth into a fixed number of priced, sized
// quote levels.
package levels

import (
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

// QuantityPlaces is the fixed-point precision of every quantity computed here.
const QuantityPlaces int32 = 8

// ReadFunc walks one book side best-first until visit returns true.
type ReadFunc func(visit func(models.PriceLevel) bool) error

// Budget bounds an aggregation. A nil Value or Quantity is unbounded.
type Budget struct {
	Value       *decimal.Decimal
	Quantity    *decimal.Decimal
	Scale       decimal.Decimal
	PriceAdjust decimal.Decimal
}

// Aggregate accumulates best-first levels until a budget is exhausted. The
// level that exhausts a budget is clipped to the tighter remaining budget.
func Aggregate(read ReadFunc, b Budget) ([]models.PriceLevel, error) {
	adjust := b.PriceAdjust
	if adjust.Sign() <= 0 {
		adjust = decimal.NewFromInt(1)
	}

	var remValue, remQty *decimal.Decimal
	if b.Value != nil {
		if b.Value.Sign() <= 0 {
			return nil, nil
		}
		v := *b.Value
		remValue = &v
	}
	if b.Quantity != nil {
		if b.Quantity.Sign() <= 0 {
			return nil, nil
		}
		q := *b.Quantity
		remQty = &q
	}

	var out []models.PriceLevel
	err := read(func(raw models.PriceLevel) bool {
		price := raw.Price.Mul(adjust)
		qty := raw.Quantity.Mul(b.Scale).DivRound(adjust, QuantityPlaces)
		if price.Sign() <= 0 || qty.Sign() <= 0 {
			return false
		}

		clip := qty
		exhausted := false
		if remValue != nil && price.Mul(qty).GreaterThanOrEqual(*remValue) {
			clip = decimal.Min(clip, remValue.DivRound(price, QuantityPlaces))
			exhausted = true
		}
		if remQty != nil && qty.GreaterThanOrEqual(*remQty) {
			clip = decimal.Min(clip, *remQty)
			exhausted = true
		}

		if clip.Sign() > 0 {
			out = append(out, models.PriceLevel{Price: price, Quantity: clip})
		}

		if remValue != nil {
			v := remValue.Sub(price.Mul(clip))
			remValue = &v
		}
		if remQty != nil {
			q := remQty.Sub(clip)
			remQty = &q
		}
		return exhausted
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
