package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/orderbook"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFeed struct {
	store      *orderbook.Store
	subscribed []string
}

func (f *storeFeed) SubscribeMarkets(ctx context.Context, markets []string) error {
	f.subscribed = markets
	return nil
}

func (f *storeFeed) ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error {
	return f.store.Read(market, isBuy, visit)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func order(market string, isBuy bool, price, qty string) models.Order {
	return models.Order{Market: market, IsBuy: isBuy, Price: d(price), Quantity: d(qty)}
}

func TestNewOrderRestsAndReplaces(t *testing.T) {
	logger, _ := test.NewNullLogger()
	v := New("paper", logger)
	ctx := context.Background()

	var events []models.OrderEvent
	v.HandleOrderEvent(func(ev models.OrderEvent) { events = append(events, ev) })

	first, err := v.NewOrder(ctx, order("BTC-USD", true, "100", "1"))
	require.NoError(t, err)
	require.NotEmpty(t, first.OrderID)
	assert.True(t, first.Timestamp.IsZero())

	replaced := order("BTC-USD", true, "101", "1")
	replaced.ReplaceOrderID = first.OrderID
	second, err := v.NewOrder(ctx, replaced)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, second.OrderID)

	resting, err := v.GetResting(ctx)
	require.NoError(t, err)
	require.Len(t, resting, 1)
	assert.Equal(t, second.OrderID, resting[0].OrderID)
	assert.Equal(t, "101", resting[0].Price.String())

	require.Len(t, events, 1)
	assert.Equal(t, models.OrderEvent{OrderID: first.OrderID, Market: "BTC-USD", Reason: models.OrderCanceled}, events[0])
}

func TestImmediateFillNeverRests(t *testing.T) {
	logger, _ := test.NewNullLogger()
	v := New("source", logger, WithImmediateFill(), WithBalances(map[string]models.Balance{
		"USD": {Available: d("1000"), Balance: d("1000")},
	}))
	ctx := context.Background()

	var fills []models.Fill
	var events []models.OrderEvent
	v.HandleMatch(func(f models.Fill) { fills = append(fills, f) })
	v.HandleOrderEvent(func(ev models.OrderEvent) { events = append(events, ev) })

	report, err := v.NewOrder(ctx, order("BTC-USD", true, "100", "2"))
	require.NoError(t, err)

	resting, err := v.GetResting(ctx)
	require.NoError(t, err)
	assert.Empty(t, resting)

	require.Len(t, fills, 1)
	assert.Equal(t, report.OrderID, fills[0].OrderID)
	assert.Equal(t, "2", fills[0].Quantity.String())
	assert.Equal(t, int64(1), fills[0].Sequence)
	require.Len(t, events, 1)
	assert.Equal(t, models.OrderFilled, events[0].Reason)

	balances, err := v.GetBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, "800", balances["USD"].Available.String())
	assert.Equal(t, "2", balances["BTC"].Available.String())

	// nothing is left for a later sweep to cross
	assert.Empty(t, v.Cross("BTC-USD", d("1"), d("1")))
}

func TestNewOrderRejectsInvalid(t *testing.T) {
	logger, _ := test.NewNullLogger()
	v := New("paper", logger)

	_, err := v.NewOrder(context.Background(), order("BTC-USD", false, "100", "0"))
	var se *venue.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "new_order", se.Op)
}

func TestCancelOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	v := New("paper", logger)
	ctx := context.Background()

	r, err := v.NewOrder(ctx, order("BTC-USD", false, "100", "1"))
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(ctx, r.OrderID))
	err = v.CancelOrder(ctx, r.OrderID)
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	resting, err := v.GetResting(ctx)
	require.NoError(t, err)
	assert.Empty(t, resting)
}

func TestReadLevelsWithoutFeed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	v := New("paper", logger)

	err := v.ReadLevels("BTC-USD", true, func(models.PriceLevel) bool { return true })
	assert.True(t, errors.Is(err, venue.ErrNotSubscribed))
}

func TestSweepFillsCrossedOrders(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := orderbook.NewStore()
	require.NoError(t, store.ApplySnapshot("BTC-USDT",
		[]models.PriceLevel{models.NewLevel("99", "1")},
		[]models.PriceLevel{models.NewLevel("101", "1")},
	))
	feed := &storeFeed{store: store}

	v := New("paper", logger, WithBalances(map[string]models.Balance{
		"USD": {Available: d("1000"), Balance: d("1000")},
	}))
	ctx := context.Background()

	var fills []models.Fill
	var events []models.OrderEvent
	v.HandleMatch(func(f models.Fill) { fills = append(fills, f) })
	v.HandleOrderEvent(func(ev models.OrderEvent) { events = append(events, ev) })

	buy, err := v.NewOrder(ctx, order("BTC-USD", true, "102", "2"))
	require.NoError(t, err)
	_, err = v.NewOrder(ctx, order("BTC-USD", true, "100", "1"))
	require.NoError(t, err)
	_, err = v.NewOrder(ctx, order("BTC-USD", false, "103", "1"))
	require.NoError(t, err)

	markets := []models.MarketSpec{{Symbol: "BTC-USD", SourceSymbol: "BTC-USDT", PriceAdjust: d("1")}}
	s := NewSweeper(v, feed, markets, 0, logger)
	assert.Equal(t, 1, s.SweepOnce())

	require.Len(t, fills, 1)
	assert.Equal(t, buy.OrderID, fills[0].OrderID)
	assert.False(t, fills[0].SelfTrade())
	require.Len(t, events, 1)
	assert.Equal(t, models.OrderFilled, events[0].Reason)

	balances, err := v.GetBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", balances["BTC"].Available.String())
	assert.Equal(t, "796", balances["USD"].Available.String())

	resting, err := v.GetResting(ctx)
	require.NoError(t, err)
	assert.Len(t, resting, 2)
}

func TestSweepSkipsHaltedBook(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := orderbook.NewStore()
	require.NoError(t, store.ApplySnapshot("BTC-USD",
		[]models.PriceLevel{models.NewLevel("99", "1")},
		[]models.PriceLevel{models.NewLevel("101", "1")},
	))
	store.Halt("BTC-USD", "test")

	v := New("paper", logger)
	_, err := v.NewOrder(context.Background(), order("BTC-USD", true, "200", "1"))
	require.NoError(t, err)

	markets := []models.MarketSpec{{Symbol: "BTC-USD", SourceSymbol: "BTC-USD", PriceAdjust: d("1")}}
	s := NewSweeper(v, &storeFeed{store: store}, markets, 0, logger)
	assert.Equal(t, 0, s.SweepOnce())
}
