package levels

import (
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

// Distribute normalizes levels to exactly n entries. Short lists are padded
// by splitting the last level evenly; long lists fold every overflow level
// into entry n-1, which takes the price of the last level folded in.
// Total quantity is conserved. The input is not modified.
func Distribute(levels []models.PriceLevel, n int) []models.PriceLevel {
	if n <= 0 {
		return nil
	}
	if len(levels) == 0 || len(levels) == n {
		return append([]models.PriceLevel(nil), levels...)
	}

	out := make([]models.PriceLevel, 0, n)

	if len(levels) < n {
		lastIdx := len(levels) - 1
		last := levels[lastIdx]
		split := n - lastIdx

		share := last.Quantity.Div(decimal.NewFromInt(int64(split))).Truncate(QuantityPlaces)
		remainder := last.Quantity.Sub(share.Mul(decimal.NewFromInt(int64(split - 1))))

		out = append(out, levels[:lastIdx]...)
		for i := 0; i < split-1; i++ {
			out = append(out, models.PriceLevel{Price: last.Price, Quantity: share})
		}
		return append(out, models.PriceLevel{Price: last.Price, Quantity: remainder})
	}

	acc := levels[n-1]
	for _, l := range levels[n:] {
		acc.Price = l.Price
		acc.Quantity = acc.Quantity.Add(l.Quantity)
	}
	out = append(out, levels[:n-1]...)
	return append(out, acc)
}
