// Package rebalancer nets fills on the target venue into a per-market
// position and hedges the uncovered part on the source venue.
package rebalancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Hedger places hedge orders. Every venue satisfies it.
type Hedger interface {
	Name() string
	NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error)
}

// Publisher receives a position snapshot after every processed fill.
type Publisher interface {
	Publish(ctx context.Context, pos models.Position) error
}

// HedgeFailure is returned when the hedge order for a fill was rejected.
// The optimistic position update has been rolled back by Delta.
type HedgeFailure struct {
	Market string
	Delta  models.PositionLeg
	Order  models.Order
	Err    error
}

func (e *HedgeFailure) Error() string {
	return fmt.Sprintf("hedge %s %s %s @ %s failed: %v",
		e.Market, e.Order.Side(), e.Order.Quantity, e.Order.Price, e.Err)
}

func (e *HedgeFailure) Unwrap() error {
	return e.Err
}

type Rebalancer struct {
	markets   map[string]models.MarketSpec
	hedger    Hedger
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	positions map[string]*models.Position
	workers   map[string]*worker
	stopped   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New keeps only the markets flagged for rebalancing. publisher may be nil.
func New(markets []models.MarketSpec, hedger Hedger, publisher Publisher, m *metrics.Metrics, logger *logrus.Logger) *Rebalancer {
	enabled := make(map[string]models.MarketSpec)
	for _, spec := range markets {
		if spec.Rebalance {
			enabled[spec.Symbol] = spec
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Rebalancer{
		markets:   enabled,
		hedger:    hedger,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		positions: make(map[string]*models.Position),
		workers:   make(map[string]*worker),
		stopCh:    make(chan struct{}),
	}
}

// Handle queues a fill for its market's worker. Fills of one market are
// applied in arrival order; markets proceed independently.
func (r *Rebalancer) Handle(fill models.Fill) {
	if !r.accepts(fill) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.logger.WithFields(logrus.Fields{
			"market":   fill.Market,
			"order_id": fill.OrderID,
		}).Warn("Rebalancer stopped, dropping fill")
		return
	}
	w, ok := r.workers[fill.Market]
	if !ok {
		w = newWorker()
		r.workers[fill.Market] = w
		r.wg.Add(1)
		go r.run(w)
	}
	w.push(fill)
}

func (r *Rebalancer) accepts(fill models.Fill) bool {
	if _, ok := r.markets[fill.Market]; !ok {
		return false
	}
	if fill.SelfTrade() {
		r.logger.WithFields(logrus.Fields{
			"market":   fill.Market,
			"order_id": fill.OrderID,
		}).Debug("Ignoring self-trade")
		return false
	}
	return true
}

func (r *Rebalancer) run(w *worker) {
	defer r.wg.Done()

	for {
		select {
		case <-w.wake:
			r.drain(w)
		case <-r.stopCh:
			r.drain(w)
			return
		}
	}
}

func (r *Rebalancer) drain(w *worker) {
	for _, fill := range w.take() {
		// failures are logged and counted in Apply
		_ = r.Apply(r.ctx, fill)
	}
}

// Stop applies every queued fill, then stops the workers.
func (r *Rebalancer) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

// Apply processes one fill synchronously: it moves the target position by
// the fill's impact and, when the uncovered delta is hedgeable, sends the
// hedge. The position is marked covered before the hedge resolves and
// rolled back if it fails.
func (r *Rebalancer) Apply(ctx context.Context, fill models.Fill) error {
	spec, ok := r.markets[fill.Market]
	if !ok || fill.SelfTrade() {
		return nil
	}
	log := r.logger.WithFields(logrus.Fields{
		"market":   fill.Market,
		"order_id": fill.OrderID,
		"side":     models.SideOf(fill.IsBuy),
		"price":    fill.Price.String(),
		"quantity": fill.Quantity.String(),
	})

	r.mu.Lock()
	pos := r.positionLocked(fill.Market)
	pos.Target = pos.Target.Add(Impact(fill))
	pos.UpdatedAt = r.now()
	delta := pos.Target.Sub(pos.Current)

	order, err := HedgeOrder(spec, delta)
	if err != nil {
		snapshot := *pos
		r.mu.Unlock()
		log.WithError(err).WithField("base_delta", delta.Base.String()).Debug("No hedge for fill")
		r.publish(ctx, snapshot)
		return nil
	}

	pos.Current = pos.Target
	r.mu.Unlock()

	log = log.WithFields(logrus.Fields{
		"hedge_side":     order.Side(),
		"hedge_price":    order.Price.String(),
		"hedge_quantity": order.Quantity.String(),
	})
	log.Info("Sending hedge")

	if _, err := r.hedger.NewOrder(ctx, order); err != nil {
		r.mu.Lock()
		pos.Current = pos.Current.Sub(delta)
		snapshot := *pos
		r.mu.Unlock()

		r.metrics.RecordHedge(fill.Market, "error")
		log.WithError(err).Error("Hedge failed, position rolled back")
		r.publish(ctx, snapshot)
		return &HedgeFailure{Market: fill.Market, Delta: delta, Order: order, Err: err}
	}

	r.mu.Lock()
	snapshot := *pos
	r.mu.Unlock()

	r.metrics.RecordHedge(fill.Market, "ok")
	r.publish(ctx, snapshot)
	return nil
}

func (r *Rebalancer) positionLocked(market string) *models.Position {
	pos, ok := r.positions[market]
	if !ok {
		pos = &models.Position{Market: market}
		r.positions[market] = pos
	}
	return pos
}

func (r *Rebalancer) publish(ctx context.Context, pos models.Position) {
	r.metrics.RecordPosition(pos.Market, "current", pos.Current.Quote, pos.Current.Base)
	r.metrics.RecordPosition(pos.Market, "target", pos.Target.Quote, pos.Target.Base)

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, pos); err != nil {
		r.logger.WithError(err).WithField("market", pos.Market).Warn("Failed to publish position")
	}
}

// Positions returns a copy of every position created so far.
func (r *Rebalancer) Positions() map[string]models.Position {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]models.Position, len(r.positions))
	for m, p := range r.positions {
		out[m] = *p
	}
	return out
}

// Impact is the position change a fill causes: a buy adds base and spends
// quote, a sell does the reverse.
func Impact(fill models.Fill) models.PositionLeg {
	notional := fill.Price.Mul(fill.Quantity)
	if fill.IsBuy {
		return models.PositionLeg{Quote: notional.Neg(), Base: fill.Quantity}
	}
	return models.PositionLeg{Quote: notional, Base: fill.Quantity.Neg()}
}

// HedgeOrder derives the source venue order that offsets delta. Holding
// more base than covered means selling it; the price is the delta's average
// rate translated to source units, moved by the fee and rounded so the
// realized rate is never worse than modeled.
func HedgeOrder(spec models.MarketSpec, delta models.PositionLeg) (models.Order, error) {
	if delta.Base.IsZero() {
		return models.Order{}, fmt.Errorf("no base delta")
	}
	if delta.Base.Sign()*delta.Quote.Sign() >= 0 {
		return models.Order{}, fmt.Errorf("base and quote deltas are not opposite")
	}
	if delta.Base.Abs().LessThan(spec.MinHedgeBase) {
		return models.Order{}, fmt.Errorf("base delta below minimum hedge %s", spec.MinHedgeBase)
	}

	adjust := spec.PriceAdjust
	if adjust.Sign() <= 0 {
		adjust = decimal.NewFromInt(1)
	}
	feeFactor := decimal.NewFromInt(1).Add(spec.Fee)
	rate := delta.Quote.Div(delta.Base).Abs().Div(adjust)

	isBuy := delta.Base.Sign() < 0
	var price decimal.Decimal
	if isBuy {
		price = rate.Div(feeFactor).RoundFloor(spec.PriceDecimals)
	} else {
		price = rate.Mul(feeFactor).RoundCeil(spec.PriceDecimals)
	}

	return models.Order{
		Market:   spec.SourceSymbol,
		IsBuy:    isBuy,
		Price:    price,
		Quantity: delta.Base.Abs().Mul(adjust),
	}, nil
}
