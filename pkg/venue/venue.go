// Package venue defines the capability set every integrated trading venue
// exposes to the replicator.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/replicator/pkg/models"
)

var ErrNotSubscribed = errors.New("venue: market not subscribed")

// Venue is implemented once per integrated exchange.
type Venue interface {
	Name() string
	GetBalances(ctx context.Context) (map[string]models.Balance, error)
	// SubscribeMarkets (re)initializes book ingestion, closing any prior
	// subscription.
	SubscribeMarkets(ctx context.Context, markets []string) error
	// ReadLevels walks one book side best-first until visit returns true.
	ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error
	// NewOrder places a limit order, replacing order.ReplaceOrderID when set.
	// The returned report carries no timestamp; callers stamp it.
	NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetResting(ctx context.Context) ([]models.OrderReport, error)
	// HandleMatch registers the fill handler. Fills received earlier are
	// flushed to the first handler registered.
	HandleMatch(fn func(models.Fill))
	// HandleOrderEvent registers the lifecycle handler with the same
	// buffering as HandleMatch.
	HandleOrderEvent(fn func(models.OrderEvent))
}

// SubmissionError is a venue rejection of an order operation.
type SubmissionError struct {
	Venue  string
	Market string
	Op     string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Venue, e.Op, e.Market, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// AsSubmissionError wraps err unless it already is a SubmissionError.
func AsSubmissionError(venue, market, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return err
	}
	return &SubmissionError{Venue: venue, Market: market, Op: op, Err: err}
}
