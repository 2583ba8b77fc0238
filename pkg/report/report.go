// Package report nets closed orders into per-market inventory totals, the
// operator's check that hedging kept each market flat.
package report

import (
	"sort"

	"github.com/gregtusar/replicator/pkg/models"
)

type Line struct {
	Order models.DoneOrder
	Net   models.PositionLeg
}

type Total struct {
	Market string
	Net    models.PositionLeg
	Orders int
}

// Impact is what a done order did to inventory, net of fees: a buy spends
// quote and adds base, a sell the reverse. Fees always cost quote.
func Impact(o models.DoneOrder) models.PositionLeg {
	if o.IsBuy {
		return models.PositionLeg{
			Quote: o.ExecutedValue.Add(o.FillFees).Neg(),
			Base:  o.FilledSize,
		}
	}
	return models.PositionLeg{
		Quote: o.ExecutedValue.Sub(o.FillFees),
		Base:  o.FilledSize.Neg(),
	}
}

// Net returns one line per order, oldest first, and totals sorted by market.
func Net(orders []models.DoneOrder) ([]Line, []Total) {
	lines := make([]Line, 0, len(orders))
	byMarket := make(map[string]*Total)

	for _, o := range orders {
		net := Impact(o)
		lines = append(lines, Line{Order: o, Net: net})

		t, ok := byMarket[o.Market]
		if !ok {
			t = &Total{Market: o.Market}
			byMarket[o.Market] = t
		}
		t.Net = t.Net.Add(net)
		t.Orders++
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Order.DoneAt.Before(lines[j].Order.DoneAt)
	})

	totals := make([]Total, 0, len(byMarket))
	for _, t := range byMarket {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Market < totals[j].Market })
	return lines, totals
}
