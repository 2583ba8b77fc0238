package levels

import (
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

const multiplierPlaces int32 = 16

var one = decimal.NewFromInt(1)

// SideShape holds the per-level price worsening of one quoting side.
type SideShape struct {
	IsBuy  bool
	Spread decimal.Decimal
	Slope  decimal.Decimal
}

// Multiplier returns the price multiplier for level i:
// (1-spread)/slope^i for buys and (1+spread)*slope^i for sells.
func (s SideShape) Multiplier(i int) decimal.Decimal {
	slope := s.Slope
	if slope.Sign() <= 0 {
		slope = one
	}
	pow := slope.Pow(decimal.NewFromInt(int64(i)))

	if s.IsBuy {
		return one.Sub(s.Spread).DivRound(pow, multiplierPlaces)
	}
	return one.Add(s.Spread).Mul(pow)
}

// Shape applies the side's multipliers, rounds prices to sigDigits
// significant digits and quantities to qtyPlaces decimals. The result is
// index aligned with in: a level whose price or quantity rounds away comes
// back as a zero level so later levels keep their index.
func Shape(in []models.PriceLevel, s SideShape, sigDigits int, qtyPlaces int32) []models.PriceLevel {
	out := make([]models.PriceLevel, len(in))
	for i, l := range in {
		price := RoundSignificant(l.Price.Mul(s.Multiplier(i)), sigDigits)
		qty := l.Quantity.Round(qtyPlaces)
		if price.Sign() <= 0 || qty.Sign() <= 0 {
			continue
		}
		out[i] = models.PriceLevel{Price: price, Quantity: qty}
	}
	return out
}

// RoundSignificant rounds d half away from zero to digits significant digits.
func RoundSignificant(d decimal.Decimal, digits int) decimal.Decimal {
	if d.IsZero() || digits <= 0 {
		return d
	}
	// position of the most significant digit as a power of ten
	msd := int64(d.NumDigits()) + int64(d.Exponent()) - 1
	return d.Round(int32(int64(digits) - 1 - msd))
}
