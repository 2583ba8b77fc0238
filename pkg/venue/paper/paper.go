// Package paper is an in-memory venue. It rests orders locally, or fills
// them on arrival, serves book reads from an attached feed and can simulate
// fills against that feed.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrOrderNotFound = errors.New("paper: order not found")

// Feed supplies book data. The coinbase websocket feed satisfies it.
type Feed interface {
	SubscribeMarkets(ctx context.Context, markets []string) error
	ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error
}

type Option func(*Venue)

// WithFeed serves SubscribeMarkets and ReadLevels from f.
func WithFeed(f Feed) Option {
	return func(v *Venue) { v.feed = f }
}

// WithImmediateFill fills every new order in full at its own price instead
// of resting it. Used for the hedging venue, where a marketable order would
// take liquidity.
func WithImmediateFill() Option {
	return func(v *Venue) { v.immediate = true }
}

// WithBalances seeds the simulated account.
func WithBalances(balances map[string]models.Balance) Option {
	return func(v *Venue) {
		for asset, b := range balances {
			v.balances[asset] = b
		}
	}
}

type Venue struct {
	name      string
	feed      Feed
	logger    *logrus.Logger
	now       func() time.Time
	immediate bool

	mu       sync.Mutex
	orders   map[string]models.OrderReport
	balances map[string]models.Balance
	sequence int64

	matches venue.Dispatcher[models.Fill]
	events  venue.Dispatcher[models.OrderEvent]
}

var _ venue.Venue = (*Venue)(nil)

func New(name string, logger *logrus.Logger, opts ...Option) *Venue {
	v := &Venue{
		name:     name,
		logger:   logger,
		now:      time.Now,
		orders:   make(map[string]models.OrderReport),
		balances: make(map[string]models.Balance),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Venue) Name() string {
	return v.name
}

func (v *Venue) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]models.Balance, len(v.balances))
	for asset, b := range v.balances {
		out[asset] = b
	}
	return out, nil
}

func (v *Venue) SubscribeMarkets(ctx context.Context, markets []string) error {
	if v.feed == nil {
		return nil
	}
	return v.feed.SubscribeMarkets(ctx, markets)
}

func (v *Venue) ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error {
	if v.feed == nil {
		return fmt.Errorf("%w: %s", venue.ErrNotSubscribed, market)
	}
	return v.feed.ReadLevels(market, isBuy, visit)
}

// NewOrder rests the order, or fills it at once under WithImmediateFill. A
// replaced order is removed first and reported canceled, even if it is
// already gone.
func (v *Venue) NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error) {
	if order.Price.Sign() <= 0 || order.Quantity.Sign() <= 0 {
		return models.OrderReport{}, &venue.SubmissionError{
			Venue:  v.name,
			Market: order.Market,
			Op:     "new_order",
			Err:    fmt.Errorf("invalid price %s or quantity %s", order.Price, order.Quantity),
		}
	}

	report := models.OrderReport{
		OrderID:  uuid.NewString(),
		Market:   order.Market,
		IsBuy:    order.IsBuy,
		Price:    order.Price,
		Quantity: order.Quantity,
	}

	var fills []models.Fill
	v.mu.Lock()
	_, replaced := v.orders[order.ReplaceOrderID]
	if replaced {
		delete(v.orders, order.ReplaceOrderID)
	}
	rested := report
	rested.Timestamp = v.now()
	if v.immediate {
		fills = append(fills, v.fillLocked(rested))
	} else {
		v.orders[report.OrderID] = rested
	}
	v.mu.Unlock()

	if replaced {
		v.events.Emit(models.OrderEvent{OrderID: order.ReplaceOrderID, Market: order.Market, Reason: models.OrderCanceled})
	}
	v.emitFills(fills)
	return report, nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	delete(v.orders, orderID)
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	v.events.Emit(models.OrderEvent{OrderID: orderID, Market: order.Market, Reason: models.OrderCanceled})
	return nil
}

func (v *Venue) GetResting(ctx context.Context) ([]models.OrderReport, error) {
	v.mu.Lock()
	out := make([]models.OrderReport, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		if out[i].IsBuy != out[j].IsBuy {
			return !out[i].IsBuy
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

func (v *Venue) HandleMatch(fn func(models.Fill)) {
	v.matches.Handle(fn)
}

func (v *Venue) HandleOrderEvent(fn func(models.OrderEvent)) {
	v.events.Handle(fn)
}

// Cross fills every resting order on market that a counterparty quoting bid
// and ask would take: buys priced at or above ask, sells at or below bid.
// Orders fill completely at their own price. A zero bid or ask disables that
// side. It returns the fills emitted.
func (v *Venue) Cross(market string, bid, ask decimal.Decimal) []models.Fill {
	v.mu.Lock()
	var fills []models.Fill
	for id, o := range v.orders {
		if o.Market != market {
			continue
		}
		hit := (o.IsBuy && ask.Sign() > 0 && o.Price.GreaterThanOrEqual(ask)) ||
			(!o.IsBuy && bid.Sign() > 0 && o.Price.LessThanOrEqual(bid))
		if !hit {
			continue
		}
		delete(v.orders, id)
		fills = append(fills, v.fillLocked(o))
	}
	v.mu.Unlock()

	sort.Slice(fills, func(i, j int) bool { return fills[i].Sequence < fills[j].Sequence })
	v.emitFills(fills)
	return fills
}

// fillLocked settles o in full and returns its fill.
func (v *Venue) fillLocked(o models.OrderReport) models.Fill {
	v.sequence++
	v.settleLocked(o)
	return models.Fill{
		Market:   o.Market,
		OrderID:  o.OrderID,
		IsBuy:    o.IsBuy,
		Price:    o.Price,
		Quantity: o.Quantity,
		Sequence: v.sequence,
		Time:     v.now(),
	}
}

func (v *Venue) emitFills(fills []models.Fill) {
	for _, f := range fills {
		v.logger.WithFields(logrus.Fields{
			"venue":    v.name,
			"market":   f.Market,
			"order_id": f.OrderID,
			"side":     models.SideOf(f.IsBuy),
			"price":    f.Price.String(),
			"quantity": f.Quantity.String(),
		}).Info("Paper order filled")
		v.matches.Emit(f)
		v.events.Emit(models.OrderEvent{OrderID: f.OrderID, Market: f.Market, Reason: models.OrderFilled})
	}
}

// settleLocked moves balances for a fully filled order on a BASE-QUOTE market.
func (v *Venue) settleLocked(o models.OrderReport) {
	base, quote, ok := strings.Cut(o.Market, "-")
	if !ok {
		return
	}
	notional := o.Price.Mul(o.Quantity)
	if o.IsBuy {
		v.adjustLocked(base, o.Quantity)
		v.adjustLocked(quote, notional.Neg())
		return
	}
	v.adjustLocked(base, o.Quantity.Neg())
	v.adjustLocked(quote, notional)
}

func (v *Venue) adjustLocked(asset string, delta decimal.Decimal) {
	b := v.balances[asset]
	b.Available = b.Available.Add(delta)
	b.Balance = b.Balance.Add(delta)
	v.balances[asset] = b
}
