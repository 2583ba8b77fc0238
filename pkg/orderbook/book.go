package orderbook

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

const degree = 32

// side is a price-unique ordered tree of levels, best price first.
type side struct {
	tree *btree.BTreeG[models.PriceLevel]
}

func newSide(desc bool) side {
	less := func(a, b models.PriceLevel) bool { return a.Price.LessThan(b.Price) }
	if desc {
		less = func(a, b models.PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
	}
	return side{tree: btree.NewG(degree, less)}
}

// buildSide makes a side from snapshot levels. Zero quantities are skipped;
// a repeated price keeps the last quantity.
func buildSide(desc bool, levels []models.PriceLevel) side {
	s := newSide(desc)
	for _, l := range levels {
		if l.Quantity.Sign() > 0 {
			s.tree.ReplaceOrInsert(l)
		}
	}
	return s
}

func (s *side) set(price, quantity decimal.Decimal) {
	level := models.PriceLevel{Price: price, Quantity: quantity}
	if quantity.Sign() <= 0 {
		s.tree.Delete(level)
		return
	}
	s.tree.ReplaceOrInsert(level)
}

func (s *side) best() (models.PriceLevel, bool) {
	return s.tree.Min()
}

func (s *side) len() int {
	return s.tree.Len()
}

type book struct {
	mu      sync.RWMutex
	bids    side
	asks    side
	halted  bool
	reason  string
	updated time.Time
}

func newBook() *book {
	return &book{
		bids: newSide(true),
		asks: newSide(false),
	}
}

func (b *book) side(isBuy bool) *side {
	if isBuy {
		return &b.bids
	}
	return &b.asks
}

// crossed must be called with b.mu held.
func (b *book) crossed() (bid, ask models.PriceLevel, ok bool) {
	bid, hasBid := b.bids.best()
	ask, hasAsk := b.asks.best()
	if !hasBid || !hasAsk {
		return bid, ask, false
	}
	return bid, ask, bid.Price.GreaterThanOrEqual(ask.Price)
}
