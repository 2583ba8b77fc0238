package orderbook

import (
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func collect(t *testing.T, s *Store, market string, isBuy bool) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.Read(market, isBuy, func(l models.PriceLevel) bool {
		out = append(out, l.Price.String()+"@"+l.Quantity.String())
		return false
	}))
	return out
}

func TestSnapshotOrdersSides(t *testing.T) {
	s := NewStore()
	err := s.ApplySnapshot("ETH-USD",
		[]models.PriceLevel{models.NewLevel("99", "3"), models.NewLevel("100", "2"), models.NewLevel("98", "0")},
		[]models.PriceLevel{models.NewLevel("102", "1"), models.NewLevel("101", "4")},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"100@2", "99@3"}, collect(t, s, "ETH-USD", true))
	assert.Equal(t, []string{"101@4", "102@1"}, collect(t, s, "ETH-USD", false))
}

func TestDeltaUpsertAndRemove(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("BTC-USD",
		[]models.PriceLevel{models.NewLevel("100", "1")},
		[]models.PriceLevel{models.NewLevel("105", "1")},
	))

	require.NoError(t, s.ApplyDelta("BTC-USD", models.SideBuy, d("100"), d("7")))
	require.NoError(t, s.ApplyDelta("BTC-USD", models.SideBuy, d("101.5"), d("2")))
	require.NoError(t, s.ApplyDelta("BTC-USD", models.SideSell, d("105"), d("0")))
	require.NoError(t, s.ApplyDelta("BTC-USD", models.SideSell, d("104"), d("3")))
	require.NoError(t, s.ApplyDelta("BTC-USD", models.SideSell, d("110"), d("0")))

	assert.Equal(t, []string{"101.5@2", "100@7"}, collect(t, s, "BTC-USD", true))
	assert.Equal(t, []string{"104@3"}, collect(t, s, "BTC-USD", false))
}

func TestReadStopsEarly(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("3", "1"), models.NewLevel("2", "1"), models.NewLevel("1", "1")},
		nil,
	))

	visited := 0
	require.NoError(t, s.Read("M", true, func(models.PriceLevel) bool {
		visited++
		return visited == 2
	}))
	assert.Equal(t, 2, visited)
}

func TestCrossedDeltaHaltsUntilSnapshot(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("99", "1")},
		[]models.PriceLevel{models.NewLevel("100", "1")},
	))

	err := s.ApplyDelta("M", models.SideBuy, d("101"), d("1"))
	require.Error(t, err)
	assert.True(t, IsFeedIntegrity(err))

	// removing the offending level is not enough, a snapshot is required
	require.NoError(t, s.ApplyDelta("M", models.SideBuy, d("101"), d("0")))
	err = s.Read("M", true, func(models.PriceLevel) bool { return false })
	assert.True(t, IsFeedIntegrity(err))
	assert.True(t, IsFeedIntegrity(s.Check("M")))

	require.NoError(t, s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("99", "1")},
		[]models.PriceLevel{models.NewLevel("100", "1")},
	))
	assert.NoError(t, s.Check("M"))
}

func TestCrossedSnapshot(t *testing.T) {
	s := NewStore()
	err := s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("101", "1")},
		[]models.PriceLevel{models.NewLevel("100", "1")},
	)

	var fe *FeedIntegrityError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.BestBid.Equal(d("101")))
	assert.True(t, fe.BestAsk.Equal(d("100")))

	require.NoError(t, s.ApplySnapshot("OTHER",
		[]models.PriceLevel{models.NewLevel("1", "1")},
		[]models.PriceLevel{models.NewLevel("2", "1")},
	))
	assert.NoError(t, s.Check("OTHER"))
}

func TestUnknownMarket(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Read("NOPE", true, func(models.PriceLevel) bool { return false }), ErrUnknownMarket)
}

func TestConcurrentReadDuringWrites(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("M", nil, []models.PriceLevel{models.NewLevel("1000", "1")}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i < 500; i++ {
			_ = s.ApplyDelta("M", models.SideBuy, decimal.NewFromInt(int64(i)), d("1"))
		}
	}()

	for i := 0; i < 100; i++ {
		var prev decimal.Decimal
		first := true
		_ = s.Read("M", true, func(l models.PriceLevel) bool {
			if !first {
				assert.True(t, l.Price.LessThan(prev))
			}
			prev, first = l.Price, false
			return false
		})
	}
	wg.Wait()

	bid, ask, ok := s.Best("M")
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("499")))
	assert.True(t, ask.Price.Equal(d("1000")))
}

func deepLevels(n int, from int64, step int64) []models.PriceLevel {
	out := make([]models.PriceLevel, n)
	for i := range out {
		out[i] = models.PriceLevel{Price: decimal.NewFromInt(from + int64(i)*step), Quantity: decimal.NewFromInt(1)}
	}
	return out
}

func TestDeepSnapshotIsFast(t *testing.T) {
	const n = 50000
	s := NewStore()

	start := time.Now()
	require.NoError(t, s.ApplySnapshot("BTC-USD", deepLevels(n, 100000, -1), deepLevels(n, 100001, 1)))
	assert.Less(t, time.Since(start), 5*time.Second)

	bids, asks := s.Depth("BTC-USD")
	assert.Equal(t, n, bids)
	assert.Equal(t, n, asks)

	bid, ask, ok := s.Best("BTC-USD")
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.NewFromInt(100000)))
	assert.True(t, ask.Price.Equal(decimal.NewFromInt(100001)))

	start = time.Now()
	for i := int64(0); i < 1000; i++ {
		require.NoError(t, s.ApplyDelta("BTC-USD", models.SideBuy, decimal.NewFromInt(100000-i), d("2")))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestSnapshotDuplicatePriceKeepsLast(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("10", "1"), models.NewLevel("10", "4")},
		nil,
	))
	assert.Equal(t, []string{"10@4"}, collect(t, s, "M", true))
}

func TestReadSnapshotUnaffectedByLaterDelta(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplySnapshot("M",
		[]models.PriceLevel{models.NewLevel("3", "1"), models.NewLevel("2", "1")},
		nil,
	))

	var seen []string
	require.NoError(t, s.Read("M", true, func(l models.PriceLevel) bool {
		if len(seen) == 0 {
			require.NoError(t, s.ApplyDelta("M", models.SideBuy, d("2"), d("0")))
		}
		seen = append(seen, l.Price.String())
		return false
	}))
	assert.Equal(t, []string{"3", "2"}, seen)
	assert.Equal(t, []string{"3@1"}, collect(t, s, "M", true))
}
