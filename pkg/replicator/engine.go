// Package replicator mirrors source venue depth onto a target venue as a
// ladder of resting limit orders.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/replicator/pkg/levels"
	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/orderbook"
	"github.com/gregtusar/replicator/pkg/tracker"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/sirupsen/logrus"
)

var ErrUnknownMarket = errors.New("replicator: market not configured")

type Config struct {
	RefreshInterval time.Duration
	BalanceInterval time.Duration
	// PriceDigits is the number of significant digits quoted prices keep.
	PriceDigits int
	// QuantityPlaces is the number of fractional digits quantities keep.
	QuantityPlaces int32
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 500 * time.Millisecond,
		BalanceInterval: 5 * time.Second,
		PriceDigits:     5,
		QuantityPlaces:  levels.QuantityPlaces,
	}
}

type Engine struct {
	cfg      Config
	markets  []models.MarketSpec
	bySymbol map[string]models.MarketSpec
	source   venue.Venue
	target   venue.Venue
	tracker  *tracker.Tracker
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(cfg Config, markets []models.MarketSpec, source, target venue.Venue, t *tracker.Tracker, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	if cfg.PriceDigits <= 0 {
		cfg.PriceDigits = 5
	}
	if cfg.QuantityPlaces <= 0 {
		cfg.QuantityPlaces = levels.QuantityPlaces
	}
	bySymbol := make(map[string]models.MarketSpec, len(markets))
	for _, m := range markets {
		bySymbol[m.Symbol] = m
	}
	return &Engine{
		cfg:      cfg,
		markets:  markets,
		bySymbol: bySymbol,
		source:   source,
		target:   target,
		tracker:  t,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one refresh loop per market and the balance poller.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	e.logger.WithField("markets", len(e.markets)).Info("Starting replication engine")

	for _, m := range e.markets {
		e.wg.Add(1)
		go e.refreshLoop(ctx, m.Symbol)
	}
	if e.cfg.BalanceInterval > 0 {
		e.wg.Add(1)
		go e.balanceLoop(ctx)
	}
	return nil
}

// Stop ends the loops and waits for in-flight submissions to resolve.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping replication engine")
		close(e.stopCh)
	})
	e.wg.Wait()
	e.tracker.Wait()
}

func (e *Engine) refreshLoop(ctx context.Context, market string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			// errors are logged and counted inside
			_, _ = e.RefreshMarket(ctx, market)
		}
	}
}

func (e *Engine) balanceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.BalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollBalances(ctx)
		}
	}
}

func (e *Engine) pollBalances(ctx context.Context) {
	for _, v := range []venue.Venue{e.source, e.target} {
		balances, err := v.GetBalances(ctx)
		if err != nil {
			e.logger.WithError(err).WithField("venue", v.Name()).Warn("Failed to get balances")
			continue
		}
		for asset, b := range balances {
			e.metrics.RecordBalance(v.Name(), asset, b.Available)
		}
		e.logger.WithFields(logrus.Fields{
			"venue":  v.Name(),
			"assets": len(balances),
		}).Debug("Balances updated")
	}
}

// Refresh runs one cycle over every market concurrently. A failing market
// never holds back the others; the returned map holds per-market errors.
func (e *Engine) Refresh(ctx context.Context) map[string]error {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]error)
	)
	for _, m := range e.markets {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if _, err := e.RefreshMarket(ctx, symbol); err != nil {
				mu.Lock()
				errs[symbol] = err
				mu.Unlock()
			}
		}(m.Symbol)
	}
	wg.Wait()
	return errs
}

// RefreshMarket rebuilds both ladders for market and submits them through
// the tracker. Nothing is submitted if either side cannot be built; a
// crossed or halted source book yields a *orderbook.FeedIntegrityError.
func (e *Engine) RefreshMarket(ctx context.Context, market string) ([]tracker.Outcome, error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordRefresh(time.Since(start).Seconds())
	}()

	spec, ok := e.bySymbol[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	log := e.logger.WithField("market", market)

	sells, err := e.buildSide(spec, false)
	if err != nil {
		return nil, e.refreshFailed(log, market, err)
	}
	buys, err := e.buildSide(spec, true)
	if err != nil {
		return nil, e.refreshFailed(log, market, err)
	}

	type quote struct {
		index int
		isBuy bool
		level models.PriceLevel
	}
	queue := make([]quote, 0, len(sells)+len(buys))
	push := func(i int, isBuy bool, level models.PriceLevel) {
		// a level that rounded away leaves its slot alone
		if level.Quantity.Sign() > 0 {
			queue = append(queue, quote{i, isBuy, level})
		}
	}

	// sell before buy at each index, then whatever one side has left
	shared := min(len(sells), len(buys))
	for i := 0; i < shared; i++ {
		push(i, false, sells[i])
		push(i, true, buys[i])
	}
	for i := shared; i < len(sells); i++ {
		push(i, false, sells[i])
	}
	for i := shared; i < len(buys); i++ {
		push(i, true, buys[i])
	}

	// each submission resolves before the next is issued so the venue
	// sees them in queue order
	outcomes := make([]tracker.Outcome, 0, len(queue))
	for _, q := range queue {
		ch := e.tracker.Replace(ctx, q.index, models.Order{
			Market:   spec.Symbol,
			IsBuy:    q.isBuy,
			Price:    q.level.Price,
			Quantity: q.level.Quantity,
		})
		select {
		case out := <-ch:
			outcomes = append(outcomes, out)
		case <-ctx.Done():
			return outcomes, ctx.Err()
		}
	}

	log.WithFields(logrus.Fields{
		"sells": len(sells),
		"buys":  len(buys),
	}).Debug("Market refreshed")
	return outcomes, nil
}

func (e *Engine) refreshFailed(log *logrus.Entry, market string, err error) error {
	if orderbook.IsFeedIntegrity(err) {
		e.metrics.RecordFeedError(market)
		log.WithError(err).Warn("Skipping refresh, source book failed integrity check")
		return err
	}
	log.WithError(err).Error("Skipping refresh")
	return err
}

// buildSide aggregates the source book under the side's budgets, spreads the
// result over the configured level count and shapes each price.
func (e *Engine) buildSide(spec models.MarketSpec, isBuy bool) ([]models.PriceLevel, error) {
	side := spec.Side(isBuy)
	read := func(visit func(models.PriceLevel) bool) error {
		return e.source.ReadLevels(spec.SourceSymbol, isBuy, visit)
	}

	aggregated, err := levels.Aggregate(read, levels.Budget{
		Value:       side.Value,
		Quantity:    side.Quantity,
		Scale:       side.Scale,
		PriceAdjust: spec.PriceAdjust,
	})
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", spec.SourceSymbol, models.SideOf(isBuy), err)
	}

	distributed := levels.Distribute(aggregated, side.Levels)
	shape := levels.SideShape{IsBuy: isBuy, Spread: side.Spread, Slope: side.Slope}
	return levels.Shape(distributed, shape, e.cfg.PriceDigits, e.cfg.QuantityPlaces), nil
}

// HandleOrderEvent empties the slot holding an order the venue reports as
// no longer resting.
func (e *Engine) HandleOrderEvent(ev models.OrderEvent) {
	cleared := e.tracker.Clear(ev.OrderID)
	e.logger.WithFields(logrus.Fields{
		"market":   ev.Market,
		"order_id": ev.OrderID,
		"reason":   ev.Reason,
		"cleared":  cleared,
	}).Debug("Order no longer resting")
}

// Slots exposes the tracker state.
func (e *Engine) Slots() []tracker.SlotState {
	return e.tracker.Snapshot()
}

// Markets returns the configured market specs.
func (e *Engine) Markets() []models.MarketSpec {
	return e.markets
}
