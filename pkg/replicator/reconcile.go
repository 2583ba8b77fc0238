package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrUnconfiguredMarket marks a resting order on a market the engine does
// not quote. Such orders are canceled, never retried.
var ErrUnconfiguredMarket = errors.New("replicator: order on unconfigured market")

type ReconcileResult struct {
	Adopted  int `json:"adopted"`
	Canceled int `json:"canceled"`
}

// Reconcile adopts the target venue's resting orders into free slots so the
// first refresh can keep them. Orders on unconfigured markets, and orders
// left over once a side's slots are full, are canceled. Only failing to list
// resting orders is an error; cancel failures are joined into the result.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	resting, err := e.target.GetResting(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get resting orders: %w", err)
	}

	var errs []error
	for _, r := range resting {
		log := e.logger.WithFields(logrus.Fields{
			"market":   r.Market,
			"side":     models.SideOf(r.IsBuy),
			"order_id": r.OrderID,
		})

		spec, ok := e.bySymbol[r.Market]
		if ok {
			side := models.SideOf(r.IsBuy)
			if index, free := e.tracker.FreeIndex(r.Market, side, spec.Side(r.IsBuy).Levels); free && e.tracker.Adopt(index, r) {
				log.WithField("slot", index).Info("Adopted resting order")
				result.Adopted++
				continue
			}
			log.Info("No free slot for resting order, canceling")
		} else {
			log.WithError(ErrUnconfiguredMarket).Warn("Canceling resting order")
		}

		if err := e.target.CancelOrder(ctx, r.OrderID); err != nil {
			log.WithError(err).Error("Failed to cancel resting order")
			errs = append(errs, fmt.Errorf("cancel %s: %w", r.OrderID, err))
			continue
		}
		result.Canceled++
	}

	e.logger.WithFields(logrus.Fields{
		"resting":  len(resting),
		"adopted":  result.Adopted,
		"canceled": result.Canceled,
	}).Info("Reconciled resting orders")
	return result, errors.Join(errs...)
}
