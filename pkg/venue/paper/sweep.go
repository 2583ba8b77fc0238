package paper

import (
	"context"
	"time"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BookReader is the read side of a venue.
type BookReader interface {
	ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error
}

// Sweeper periodically crosses a paper venue's resting orders against the
// top of the source books they mirror.
type Sweeper struct {
	venue    *Venue
	source   BookReader
	markets  []models.MarketSpec
	interval time.Duration
	logger   *logrus.Logger
}

func NewSweeper(v *Venue, source BookReader, markets []models.MarketSpec, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		venue:    v,
		source:   source,
		markets:  markets,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce crosses every market once and returns the number of fills.
func (s *Sweeper) SweepOnce() int {
	filled := 0
	for _, m := range s.markets {
		bid, err := s.top(m.SourceSymbol, true)
		if err != nil {
			s.logger.WithError(err).WithField("market", m.Symbol).Debug("Skipping sweep")
			continue
		}
		ask, err := s.top(m.SourceSymbol, false)
		if err != nil {
			s.logger.WithError(err).WithField("market", m.Symbol).Debug("Skipping sweep")
			continue
		}
		filled += len(s.venue.Cross(m.Symbol, bid.Mul(m.PriceAdjust), ask.Mul(m.PriceAdjust)))
	}
	return filled
}

func (s *Sweeper) top(market string, isBuy bool) (decimal.Decimal, error) {
	best := decimal.Zero
	err := s.source.ReadLevels(market, isBuy, func(l models.PriceLevel) bool {
		best = l.Price
		return true
	})
	return best, err
}
