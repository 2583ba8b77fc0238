package rebalancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHedger struct {
	mu     sync.Mutex
	orders []models.Order
	fail   error
}

func (f *fakeHedger) Name() string { return "source" }

func (f *fakeHedger) NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	if f.fail != nil {
		return models.OrderReport{}, f.fail
	}
	return models.OrderReport{OrderID: "h-1"}, nil
}

func (f *fakeHedger) submitted() []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Order(nil), f.orders...)
}

type fakePublisher struct {
	mu        sync.Mutex
	positions []models.Position
}

func (p *fakePublisher) Publish(ctx context.Context, pos models.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = append(p.positions, pos)
	return nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func spec() models.MarketSpec {
	return models.MarketSpec{
		Symbol:        "ETH-DAI",
		SourceSymbol:  "ETH-USD",
		PriceAdjust:   d("1"),
		Fee:           d("0"),
		PriceDecimals: 2,
		Rebalance:     true,
	}
}

func fill(isBuy bool, price, qty string, seq int64) models.Fill {
	return models.Fill{Market: "ETH-DAI", OrderID: "o-1", IsBuy: isBuy, Price: d(price), Quantity: d(qty), Sequence: seq}
}

func leg(quote, base string) models.PositionLeg {
	return models.PositionLeg{Quote: d(quote), Base: d(base)}
}

func assertLeg(t *testing.T, want, got models.PositionLeg) {
	t.Helper()
	assert.True(t, want.Quote.Equal(got.Quote), "quote: want %s got %s", want.Quote, got.Quote)
	assert.True(t, want.Base.Equal(got.Base), "base: want %s got %s", want.Base, got.Base)
}

func newRebalancer(h Hedger, p Publisher, markets ...models.MarketSpec) *Rebalancer {
	logger, _ := test.NewNullLogger()
	return New(markets, h, p, metrics.New(), logger)
}

func TestApplyHedgesBuyFill(t *testing.T) {
	h := &fakeHedger{}
	r := newRebalancer(h, nil, spec())

	require.NoError(t, r.Apply(context.Background(), fill(true, "50", "2", 1)))

	pos := r.Positions()["ETH-DAI"]
	assertLeg(t, leg("-100", "2"), pos.Target)
	assertLeg(t, leg("-100", "2"), pos.Current)

	orders := h.submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, "ETH-USD", orders[0].Market)
	assert.False(t, orders[0].IsBuy)
	assert.Equal(t, "50", orders[0].Price.String())
	assert.Equal(t, "2", orders[0].Quantity.String())
}

func TestApplyRollsBackFailedHedge(t *testing.T) {
	h := &fakeHedger{fail: errors.New("insufficient funds")}
	r := newRebalancer(h, nil, spec())

	err := r.Apply(context.Background(), fill(true, "50", "2", 1))
	var hf *HedgeFailure
	require.ErrorAs(t, err, &hf)
	assertLeg(t, leg("-100", "2"), hf.Delta)

	pos := r.Positions()["ETH-DAI"]
	assertLeg(t, leg("-100", "2"), pos.Target)
	assertLeg(t, leg("0", "0"), pos.Current)

	// the next fill retries the full uncovered amount
	h.fail = nil
	require.NoError(t, r.Apply(context.Background(), fill(true, "50", "1", 2)))
	orders := h.submitted()
	require.Len(t, orders, 2)
	assert.Equal(t, "3", orders[1].Quantity.String())
	assertLeg(t, leg("-150", "3"), r.Positions()["ETH-DAI"].Current)
}

func TestApplyIgnoresSelfTradesAndUnflaggedMarkets(t *testing.T) {
	h := &fakeHedger{}
	off := spec()
	off.Symbol = "BTC-DAI"
	off.Rebalance = false
	r := newRebalancer(h, nil, spec(), off)

	require.NoError(t, r.Apply(context.Background(), fill(true, "50", "2", 0)))
	other := fill(true, "50", "2", 1)
	other.Market = "BTC-DAI"
	require.NoError(t, r.Apply(context.Background(), other))

	assert.Empty(t, h.submitted())
	assert.Empty(t, r.Positions())
}

func TestApplyBelowMinimumAccumulates(t *testing.T) {
	h := &fakeHedger{}
	s := spec()
	s.MinHedgeBase = d("1")
	r := newRebalancer(h, nil, s)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, fill(false, "50", "0.6", 1)))
	assert.Empty(t, h.submitted())
	assertLeg(t, leg("0", "0"), r.Positions()["ETH-DAI"].Current)

	require.NoError(t, r.Apply(ctx, fill(false, "52", "0.6", 2)))
	orders := h.submitted()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].IsBuy)
	assert.Equal(t, "1.2", orders[0].Quantity.String())
	assert.Equal(t, "51", orders[0].Price.String())
}

func TestHedgeOrderFeeAndRounding(t *testing.T) {
	s := spec()
	s.Fee = d("0.003")

	sell, err := HedgeOrder(s, leg("-100", "3"))
	require.NoError(t, err)
	assert.False(t, sell.IsBuy)
	// 33.333.. * 1.003 = 33.4333.. rounds up
	assert.Equal(t, "33.44", sell.Price.String())

	buy, err := HedgeOrder(s, leg("100", "-3"))
	require.NoError(t, err)
	assert.True(t, buy.IsBuy)
	// 33.333.. / 1.003 = 33.2336.. rounds down
	assert.Equal(t, "33.23", buy.Price.String())
}

func TestHedgeOrderPriceAdjust(t *testing.T) {
	s := spec()
	s.PriceAdjust = d("2")

	order, err := HedgeOrder(s, leg("-200", "2"))
	require.NoError(t, err)
	assert.Equal(t, "50", order.Price.String())
	assert.Equal(t, "4", order.Quantity.String())
}

func TestHedgeOrderRejectsIncoherentDelta(t *testing.T) {
	_, err := HedgeOrder(spec(), leg("100", "2"))
	assert.Error(t, err)
	_, err = HedgeOrder(spec(), leg("0", "2"))
	assert.Error(t, err)
	_, err = HedgeOrder(spec(), leg("-100", "0"))
	assert.Error(t, err)
}

func TestHandleProcessesFillsInOrder(t *testing.T) {
	h := &fakeHedger{}
	p := &fakePublisher{}
	r := newRebalancer(h, p, spec())

	r.Handle(fill(true, "50", "1", 1))
	r.Handle(fill(true, "50", "1", 2))
	r.Handle(fill(false, "60", "1", 3))
	r.Stop()

	pos := r.Positions()["ETH-DAI"]
	assertLeg(t, leg("-40", "1"), pos.Target)
	assertLeg(t, pos.Target, pos.Current)

	orders := h.submitted()
	require.Len(t, orders, 3)
	assert.False(t, orders[0].IsBuy)
	assert.False(t, orders[1].IsBuy)
	assert.True(t, orders[2].IsBuy)
	assert.Len(t, p.positions, 3)

	m := r.metrics
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Hedges.WithLabelValues("ETH-DAI", "ok")))
}

func TestHandleAfterStopDropsFill(t *testing.T) {
	h := &fakeHedger{}
	r := newRebalancer(h, nil, spec())
	r.Stop()

	r.Handle(fill(true, "50", "1", 1))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.submitted())
}
