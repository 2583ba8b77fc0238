package replicator

import (
	"context"
	"testing"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rest(t *testing.T, f *fixture, market string, isBuy bool, price, qty string) models.OrderReport {
	t.Helper()
	r, err := f.target.Venue.NewOrder(context.Background(), models.Order{
		Market:   market,
		IsBuy:    isBuy,
		Price:    d(price),
		Quantity: d(qty),
	})
	require.NoError(t, err)
	return r
}

func TestReconcileAdoptsAndCancels(t *testing.T) {
	f := newFixture(t, marketSpec("BTC-USD"))
	ctx := context.Background()

	low := rest(t, f, "BTC-USD", true, "98", "0.75")
	rest(t, f, "BTC-USD", true, "100", "0.75")
	rest(t, f, "BTC-USD", true, "100", "0.75")
	rest(t, f, "DOGE-USD", false, "0.1", "1000")

	result, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Adopted: 2, Canceled: 2}, result)

	resting, err := f.target.GetResting(ctx)
	require.NoError(t, err)
	require.Len(t, resting, 2)
	for _, r := range resting {
		assert.Equal(t, "BTC-USD", r.Market)
	}

	slot0 := f.engine.tracker.Get(tracker.Key{Market: "BTC-USD", Side: models.SideBuy, Index: 0})
	assert.Equal(t, low.OrderID, slot0.OrderID)
}

func TestReconciledOrdersAreKeptWhenUnchanged(t *testing.T) {
	f := newFixture(t, marketSpec("BTC-USD"))
	f.book(t, "BTC-USD")
	ctx := context.Background()

	rest(t, f, "BTC-USD", true, "98", "0.75")
	kept := rest(t, f, "BTC-USD", true, "100", "0.75")

	_, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)

	outcomes, err := f.engine.RefreshMarket(ctx, "BTC-USD")
	require.NoError(t, err)

	byKey := map[tracker.Key]tracker.Outcome{}
	for _, out := range outcomes {
		byKey[out.Key] = out
	}
	assert.Equal(t, tracker.ActionReplaced, byKey[tracker.Key{Market: "BTC-USD", Side: models.SideBuy, Index: 0}].Action)

	second := byKey[tracker.Key{Market: "BTC-USD", Side: models.SideBuy, Index: 1}]
	assert.Equal(t, tracker.ActionKept, second.Action)
	assert.Equal(t, kept.OrderID, second.Report.OrderID)

	// only the replaced buy and the two sells reach the venue
	assert.Len(t, f.target.submitted(), 3)
}
