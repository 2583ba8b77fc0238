package config

import (
	"fmt"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

// merge overlays the fields set in o onto s.
func (s SideConfig) merge(o SideConfig) SideConfig {
	if o.MaxValue != nil {
		s.MaxValue = o.MaxValue
	}
	if o.TargetValue != nil {
		s.TargetValue = o.TargetValue
	}
	if o.MaxQuantity != nil {
		s.MaxQuantity = o.MaxQuantity
	}
	if o.Scale != nil {
		s.Scale = o.Scale
	}
	if o.Levels != nil {
		s.Levels = o.Levels
	}
	if o.Spread != nil {
		s.Spread = o.Spread
	}
	if o.LevelSlope != nil {
		s.LevelSlope = o.LevelSlope
	}
	return s
}

// ResolveMarkets validates the market list and returns the resolved specs in
// configuration order. Each side is defaults.side, then the market's base,
// then the side's own overrides.
func (c *Config) ResolveMarkets() ([]models.MarketSpec, error) {
	if len(c.Markets) == 0 {
		return nil, fmt.Errorf("%w: no markets configured", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Markets))
	specs := make([]models.MarketSpec, 0, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" {
			return nil, fmt.Errorf("%w: markets[%d]: symbol is required", ErrInvalid, i)
		}
		if seen[m.Symbol] {
			return nil, fmt.Errorf("%w: markets[%d]: duplicate symbol %s", ErrInvalid, i, m.Symbol)
		}
		seen[m.Symbol] = true

		spec, err := c.resolveMarket(m)
		if err != nil {
			return nil, fmt.Errorf("%w: market %s: %v", ErrInvalid, m.Symbol, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (c *Config) resolveMarket(m MarketConfig) (models.MarketSpec, error) {
	spec := models.MarketSpec{
		Symbol:        m.Symbol,
		SourceSymbol:  m.SourceSymbol,
		PriceDecimals: 2,
		Rebalance:     m.Rebalance,
	}
	if spec.SourceSymbol == "" {
		spec.SourceSymbol = m.Symbol
	}
	if m.PriceDecimals != nil {
		spec.PriceDecimals = *m.PriceDecimals
	}
	if spec.PriceDecimals < 0 {
		return spec, fmt.Errorf("price_decimals must not be negative")
	}

	var err error
	if spec.PriceAdjust, err = parseDecimal("price_adjust", m.PriceAdjust, "1"); err != nil {
		return spec, err
	}
	if spec.PriceAdjust.Sign() <= 0 {
		return spec, fmt.Errorf("price_adjust must be positive")
	}
	if spec.Fee, err = parseDecimal("fee", m.Fee, "0"); err != nil {
		return spec, err
	}
	if spec.Fee.Sign() < 0 {
		return spec, fmt.Errorf("fee must not be negative")
	}
	if spec.MinHedgeBase, err = parseDecimal("min_hedge_base", m.MinHedgeBase, "0"); err != nil {
		return spec, err
	}
	if spec.MinHedgeBase.Sign() < 0 {
		return spec, fmt.Errorf("min_hedge_base must not be negative")
	}

	base := c.Defaults.Side.merge(m.Base)
	if spec.Buy, err = resolveSide(true, base.merge(m.Buy)); err != nil {
		return spec, fmt.Errorf("buy: %w", err)
	}
	if spec.Sell, err = resolveSide(false, base.merge(m.Sell)); err != nil {
		return spec, fmt.Errorf("sell: %w", err)
	}
	return spec, nil
}

func resolveSide(isBuy bool, s SideConfig) (models.SideSpec, error) {
	side := models.SideSpec{IsBuy: isBuy}

	var err error
	if side.Scale, err = parseDecimal("scale", deref(s.Scale), "1"); err != nil {
		return side, err
	}
	if side.Scale.Sign() < 0 {
		return side, fmt.Errorf("scale must not be negative")
	}
	if side.Spread, err = parseDecimal("spread", deref(s.Spread), "0"); err != nil {
		return side, err
	}
	if side.Spread.Sign() < 0 || side.Spread.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return side, fmt.Errorf("spread must be in [0, 1)")
	}
	if side.Slope, err = parseDecimal("level_slope", deref(s.LevelSlope), "1"); err != nil {
		return side, err
	}
	if side.Slope.LessThan(decimal.NewFromInt(1)) {
		return side, fmt.Errorf("level_slope must be at least 1")
	}

	side.Levels = 1
	if s.Levels != nil {
		side.Levels = *s.Levels
	}
	if side.Levels < 1 {
		return side, fmt.Errorf("levels must be at least 1")
	}

	maxValue, err := parseBudget("max_value", s.MaxValue, false)
	if err != nil {
		return side, err
	}
	targetValue, err := parseBudget("target_value", s.TargetValue, false)
	if err != nil {
		return side, err
	}
	side.Value = minBudget(maxValue, targetValue)

	if side.Quantity, err = parseBudget("max_quantity", s.MaxQuantity, true); err != nil {
		return side, err
	}
	return side, nil
}

// parseBudget returns nil for an unset limit. A zero value budget disables
// the side; a zero quantity limit means unbounded.
func parseBudget(field string, raw *string, zeroUnbounded bool) (*decimal.Decimal, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	if v.IsZero() && zeroUnbounded {
		return nil, nil
	}
	return &v, nil
}

func minBudget(a, b *decimal.Decimal) *decimal.Decimal {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.LessThan(*b):
		return a
	default:
		return b
	}
}

func parseDecimal(field, raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %v", field, err)
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
