package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/tracker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	slots []tracker.SlotState
}

func (s stubEngine) Slots() []tracker.SlotState { return s.slots }

func (s stubEngine) Markets() []models.MarketSpec {
	return []models.MarketSpec{{
		Symbol:       "BTC-USDT",
		SourceSymbol: "BTC-USD",
		PriceAdjust:  decimal.NewFromInt(1),
		Buy:          models.SideSpec{IsBuy: true, Levels: 2},
		Sell:         models.SideSpec{Levels: 3},
	}}
}

type stubPositions map[string]models.Position

func (s stubPositions) Positions() map[string]models.Position { return s }

func newTestServer(positions PositionSource) (*Server, *metrics.Metrics) {
	logger, _ := test.NewNullLogger()
	m := metrics.New()
	engine := stubEngine{slots: []tracker.SlotState{
		{Key: tracker.Key{Market: "BTC-USDT", Side: models.SideBuy, Index: 0}, Report: models.OrderReport{OrderID: "a"}},
		{Key: tracker.Key{Market: "ETH-USDT", Side: models.SideSell, Index: 1}, InFlight: true},
	}}
	return NewServer(engine, positions, m, logger, 0), m
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := get(t, s, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestSlotsFilterByMarket(t *testing.T) {
	s, _ := newTestServer(nil)

	var all []tracker.SlotState
	require.NoError(t, json.Unmarshal(get(t, s, "/api/slots").Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var eth []tracker.SlotState
	require.NoError(t, json.Unmarshal(get(t, s, "/api/slots?market=ETH-USDT").Body.Bytes(), &eth))
	require.Len(t, eth, 1)
	assert.True(t, eth[0].InFlight)
}

func TestMarkets(t *testing.T) {
	s, _ := newTestServer(nil)

	var markets []marketView
	require.NoError(t, json.Unmarshal(get(t, s, "/api/markets").Body.Bytes(), &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "BTC-USD", markets[0].SourceSymbol)
	assert.Equal(t, 3, markets[0].SellLevels)
}

func TestPositionsSortedByMarket(t *testing.T) {
	s, _ := newTestServer(stubPositions{
		"ETH-DAI": {Market: "ETH-DAI"},
		"BTC-DAI": {Market: "BTC-DAI"},
	})

	var positions []models.Position
	require.NoError(t, json.Unmarshal(get(t, s, "/api/positions").Body.Bytes(), &positions))
	require.Len(t, positions, 2)
	assert.Equal(t, "BTC-DAI", positions[0].Market)

	empty, _ := newTestServer(nil)
	assert.Equal(t, "[]", strings.TrimSpace(get(t, empty, "/api/positions").Body.String()))
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(nil)
	m.RecordHedge("ETH-DAI", "ok")

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `replicator_hedges_total{market="ETH-DAI",result="ok"} 1`)
}

func TestUnknownMethodRejected(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/slots", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
