package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics contains the replicator's Prometheus instruments. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Submissions      *prometheus.CounterVec
	Kept             *prometheus.CounterVec
	FeedErrors       *prometheus.CounterVec
	RefreshLatency   prometheus.Histogram
	Hedges           *prometheus.CounterVec
	PositionBase     *prometheus.GaugeVec
	PositionQuote    *prometheus.GaugeVec
	BalanceAvailable *prometheus.GaugeVec
}

// New creates the instruments on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_submissions_total",
			Help: "Order submissions to the target venue by result",
		}, []string{"market", "side", "result"}),

		Kept: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_orders_kept_total",
			Help: "Refresh decisions that kept the resting order",
		}, []string{"market", "side"}),

		FeedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_feed_integrity_errors_total",
			Help: "Refreshes skipped because the source book was crossed or halted",
		}, []string{"market"}),

		RefreshLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "replicator_refresh_seconds",
			Help:    "Time to build and enqueue one market refresh",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		Hedges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_hedges_total",
			Help: "Hedge orders sent to the source venue by result",
		}, []string{"market", "result"}),

		PositionBase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicator_position_base",
			Help: "Base position by market and leg (current or target)",
		}, []string{"market", "leg"}),

		PositionQuote: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicator_position_quote",
			Help: "Quote position by market and leg (current or target)",
		}, []string{"market", "leg"}),

		BalanceAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicator_balance_available",
			Help: "Available balance by venue and asset",
		}, []string{"venue", "asset"}),
	}
}

func (m *Metrics) RecordSubmission(market, side, result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(market, side, result).Inc()
}

func (m *Metrics) RecordKept(market, side string) {
	if m == nil {
		return
	}
	m.Kept.WithLabelValues(market, side).Inc()
}

func (m *Metrics) RecordFeedError(market string) {
	if m == nil {
		return
	}
	m.FeedErrors.WithLabelValues(market).Inc()
}

func (m *Metrics) RecordRefresh(seconds float64) {
	if m == nil {
		return
	}
	m.RefreshLatency.Observe(seconds)
}

func (m *Metrics) RecordHedge(market, result string) {
	if m == nil {
		return
	}
	m.Hedges.WithLabelValues(market, result).Inc()
}

func (m *Metrics) RecordPosition(market, leg string, quote, base decimal.Decimal) {
	if m == nil {
		return
	}
	m.PositionQuote.WithLabelValues(market, leg).Set(quote.InexactFloat64())
	m.PositionBase.WithLabelValues(market, leg).Set(base.InexactFloat64())
}

func (m *Metrics) RecordBalance(venue, asset string, available decimal.Decimal) {
	if m == nil {
		return
	}
	m.BalanceAvailable.WithLabelValues(venue, asset).Set(available.InexactFloat64())
}
