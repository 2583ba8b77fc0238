package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnknownMarket = errors.New("market not subscribed")

// FeedIntegrityError reports a book that cannot be trusted for quoting:
// crossed, or halted until the next snapshot.
type FeedIntegrityError struct {
	Market  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Reason  string
}

func (e *FeedIntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("feed integrity: %s: %s (bid %s, ask %s)", e.Market, e.Reason, e.BestBid, e.BestAsk)
	}
	return fmt.Sprintf("feed integrity: %s: bid %s >= ask %s", e.Market, e.BestBid, e.BestAsk)
}

// IsFeedIntegrity reports whether err is, or wraps, a FeedIntegrityError.
func IsFeedIntegrity(err error) bool {
	var fe *FeedIntegrityError
	return errors.As(err, &fe)
}
