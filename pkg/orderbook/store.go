package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
)

// Store keeps a sorted bid/ask view per market. A single feed goroutine is
// expected to mutate a given market; reads may run concurrently.
type Store struct {
	mu    sync.RWMutex
	books map[string]*book
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		books: make(map[string]*book),
		now:   time.Now,
	}
}

func (s *Store) get(market string) (*book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[market]
	return b, ok
}

func (s *Store) getOrCreate(market string) *book {
	if b, ok := s.get(market); ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[market]
	if !ok {
		b = newBook()
		s.books[market] = b
	}
	return b
}

// ApplySnapshot replaces the market's book wholesale. A snapshot that is not
// crossed lifts any halt on the market.
func (s *Store) ApplySnapshot(market string, bids, asks []models.PriceLevel) error {
	b := s.getOrCreate(market)
	newBids := buildSide(true, bids)
	newAsks := buildSide(false, asks)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids, b.asks = newBids, newAsks
	b.updated = s.now()

	if bid, ask, crossed := b.crossed(); crossed {
		b.halted = true
		b.reason = "crossed snapshot"
		return &FeedIntegrityError{Market: market, BestBid: bid.Price, BestAsk: ask.Price}
	}
	b.halted = false
	b.reason = ""
	return nil
}

// ApplyDelta upserts a single level, removing it when quantity is zero.
// A delta that crosses the book halts the market until the next snapshot.
func (s *Store) ApplyDelta(market string, side models.Side, price, quantity decimal.Decimal) error {
	b := s.getOrCreate(market)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.side(side.IsBuy()).set(price, quantity)
	b.updated = s.now()

	if bid, ask, crossed := b.crossed(); crossed {
		b.halted = true
		b.reason = "crossed after delta"
		return &FeedIntegrityError{Market: market, BestBid: bid.Price, BestAsk: ask.Price}
	}
	return nil
}

// Read walks one side best-first. visit returns true to stop early.
func (s *Store) Read(market string, isBuy bool, visit func(models.PriceLevel) bool) error {
	b, ok := s.get(market)
	if !ok {
		return ErrUnknownMarket
	}

	// Clone rewrites the tree's copy-on-write context, so it needs the
	// write lock. Later writes copy only the nodes they touch.
	b.mu.Lock()
	if err := b.integrityLocked(market); err != nil {
		b.mu.Unlock()
		return err
	}
	snapshot := b.side(isBuy).tree.Clone()
	b.mu.Unlock()

	snapshot.Ascend(func(l models.PriceLevel) bool {
		return !visit(l)
	})
	return nil
}

// Depth returns the number of levels on each side of a market.
func (s *Store) Depth(market string) (bids, asks int) {
	b, ok := s.get(market)
	if !ok {
		return 0, 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.len(), b.asks.len()
}

// Check returns a FeedIntegrityError when the market must not be quoted.
func (s *Store) Check(market string) error {
	b, ok := s.get(market)
	if !ok {
		return ErrUnknownMarket
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.integrityLocked(market)
}

func (b *book) integrityLocked(market string) error {
	bid, _ := b.bids.best()
	ask, _ := b.asks.best()
	if b.halted {
		return &FeedIntegrityError{Market: market, BestBid: bid.Price, BestAsk: ask.Price, Reason: b.reason}
	}
	if _, _, crossed := b.crossed(); crossed {
		return &FeedIntegrityError{Market: market, BestBid: bid.Price, BestAsk: ask.Price}
	}
	return nil
}

// Halt suppresses reads of a market until the next clean snapshot.
func (s *Store) Halt(market, reason string) {
	b := s.getOrCreate(market)
	b.mu.Lock()
	b.halted = true
	b.reason = reason
	b.mu.Unlock()
}

// Best returns the top of book for a market.
func (s *Store) Best(market string) (bid, ask models.PriceLevel, ok bool) {
	b, found := s.get(market)
	if !found {
		return bid, ask, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, hasBid := b.bids.best()
	ask, hasAsk := b.asks.best()
	return bid, ask, hasBid && hasAsk
}

// LastUpdate returns when the market's book last changed.
func (s *Store) LastUpdate(market string) time.Time {
	b, ok := s.get(market)
	if !ok {
		return time.Time{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func (s *Store) Markets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.books))
	for m := range s.books {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Reset drops a market's book entirely.
func (s *Store) Reset(market string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, market)
}
