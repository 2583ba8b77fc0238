// Package tracker holds the last known resting order per quote slot and
// serializes the keep/replace decision for each slot.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrSuperseded = errors.New("tracker: superseded by a newer order for the slot")

const (
	DefaultTolerance = "0.2"
	DefaultStaleness = 10 * time.Second
)

// Submitter is the part of a venue the tracker talks to.
type Submitter interface {
	Name() string
	NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error)
}

type Config struct {
	// Tolerance is the relative quantity change that still keeps an order.
	Tolerance decimal.Decimal
	// Staleness is the maximum age of an order that may be kept.
	Staleness time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tolerance: decimal.RequireFromString(DefaultTolerance),
		Staleness: DefaultStaleness,
	}
}

// Key identifies a quote slot.
type Key struct {
	Market string      `json:"market"`
	Side   models.Side `json:"side"`
	Index  int         `json:"index"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Market, k.Side, k.Index)
}

type Action string

const (
	ActionKept       Action = "kept"
	ActionPlaced     Action = "placed"
	ActionReplaced   Action = "replaced"
	ActionFailed     Action = "failed"
	ActionSuperseded Action = "superseded"
)

// Outcome is the resolution of one Replace call.
type Outcome struct {
	Key    Key
	Action Action
	Report models.OrderReport
	Err    error
}

type request struct {
	ctx   context.Context
	order models.Order
	done  chan Outcome
}

type slot struct {
	key     Key
	state   models.OrderReport
	pending *request
	running bool
}

// SlotState is a read-only view of a slot.
type SlotState struct {
	Key      Key                `json:"key"`
	Report   models.OrderReport `json:"report"`
	InFlight bool               `json:"in_flight"`
}

// Tracker owns every slot. At most one submission is in flight per slot;
// orders requested while one is in flight coalesce so only the latest is
// submitted next.
type Tracker struct {
	cfg     Config
	venue   Submitter
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	slots  map[Key]*slot
	owners map[string]Key
	closed map[string]time.Time
	wg     sync.WaitGroup
}

func New(cfg Config, v Submitter, logger *logrus.Logger, m *metrics.Metrics) *Tracker {
	if cfg.Tolerance.Sign() < 0 {
		cfg.Tolerance = decimal.Zero
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	return &Tracker{
		cfg:     cfg,
		venue:   v,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		slots:   make(map[Key]*slot),
		owners:  make(map[string]Key),
		closed:  make(map[string]time.Time),
	}
}

// slotLocked must be called with t.mu held.
func (t *Tracker) slotLocked(key Key) *slot {
	s, ok := t.slots[key]
	if !ok {
		s = &slot{key: key}
		t.slots[key] = s
	}
	return s
}

// Replace asks for order to rest in slot index of its market and side. The
// returned channel receives exactly one Outcome.
func (t *Tracker) Replace(ctx context.Context, index int, order models.Order) <-chan Outcome {
	key := Key{Market: order.Market, Side: order.Side(), Index: index}
	req := &request{ctx: ctx, order: order, done: make(chan Outcome, 1)}

	t.mu.Lock()
	s := t.slotLocked(key)
	if s.pending != nil {
		s.pending.done <- Outcome{Key: key, Action: ActionSuperseded, Err: ErrSuperseded}
	}
	s.pending = req
	if !s.running {
		s.running = true
		t.wg.Add(1)
		go t.drain(s)
	}
	t.mu.Unlock()

	return req.done
}

func (t *Tracker) drain(s *slot) {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		req := s.pending
		if req == nil {
			s.running = false
			t.mu.Unlock()
			return
		}
		s.pending = nil
		prior := s.state
		t.mu.Unlock()

		req.done <- t.process(s.key, req, prior)
	}
}

func (t *Tracker) process(key Key, req *request, prior models.OrderReport) Outcome {
	order := req.order
	log := t.logger.WithFields(logrus.Fields{
		"market":   key.Market,
		"side":     key.Side,
		"slot":     key.Index,
		"price":    order.Price.String(),
		"quantity": order.Quantity.String(),
	})

	action := ActionPlaced
	if !prior.Empty() {
		if t.keep(order, prior) {
			t.metrics.RecordKept(key.Market, key.Side.String())
			return Outcome{Key: key, Action: ActionKept, Report: prior}
		}
		action = ActionReplaced
		log = log.WithField("replace_order_id", prior.OrderID)
		log.WithField("prior_price", prior.Price.String()).Info("Replacing order")
	} else {
		log.Info("Placing new order")
	}

	order.ReplaceOrderID = prior.OrderID
	report, err := t.venue.NewOrder(req.ctx, order)
	if err != nil {
		err = venue.AsSubmissionError(t.venue.Name(), key.Market, "new_order", err)
		log.WithError(err).Error("Order submission failed")
		t.metrics.RecordSubmission(key.Market, key.Side.String(), "error")
		return Outcome{Key: key, Action: ActionFailed, Report: prior, Err: err}
	}

	report = t.complete(report, order)
	t.metrics.RecordSubmission(key.Market, key.Side.String(), "ok")

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slotLocked(key)
	if prior.OrderID != "" && t.owners[prior.OrderID] == key {
		delete(t.owners, prior.OrderID)
	}
	if _, gone := t.closed[report.OrderID]; gone {
		delete(t.closed, report.OrderID)
		s.state = models.OrderReport{}
		log.WithField("order_id", report.OrderID).Info("Order closed before its placement was acknowledged")
		return Outcome{Key: key, Action: action, Report: report}
	}
	s.state = report
	t.owners[report.OrderID] = key
	return Outcome{Key: key, Action: action, Report: report}
}

// complete fills in what the venue left out and stamps the report.
func (t *Tracker) complete(report models.OrderReport, order models.Order) models.OrderReport {
	if report.Market == "" {
		report.Market = order.Market
	}
	report.IsBuy = order.IsBuy
	if report.Price.IsZero() {
		report.Price = order.Price
	}
	if report.Quantity.IsZero() {
		report.Quantity = order.Quantity
	}
	report.Timestamp = t.now()
	return report
}

func (t *Tracker) keep(order models.Order, r models.OrderReport) bool {
	diff := order.Quantity.Sub(r.Quantity).Abs()
	if !diff.LessThan(t.cfg.Tolerance.Mul(r.Quantity)) {
		return false
	}
	if !order.Price.Equal(r.Price) {
		return false
	}
	return t.now().Sub(r.Timestamp) < t.cfg.Staleness
}

// Clear empties the slot owning orderID after the venue reports the order
// filled, cancelled or closed. It reports whether a slot owned the order.
func (t *Tracker) Clear(orderID string) bool {
	if orderID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.owners[orderID]
	if !ok {
		t.rememberClosedLocked(orderID)
		return false
	}
	delete(t.owners, orderID)
	if s := t.slots[key]; s != nil && s.state.OrderID == orderID {
		s.state = models.OrderReport{}
	}
	return true
}

func (t *Tracker) rememberClosedLocked(orderID string) {
	now := t.now()
	for id, at := range t.closed {
		if now.Sub(at) > t.cfg.Staleness {
			delete(t.closed, id)
		}
	}
	t.closed[orderID] = now
}

// Adopt places an existing venue order into an empty, idle slot.
func (t *Tracker) Adopt(index int, report models.OrderReport) bool {
	key := Key{Market: report.Market, Side: models.SideOf(report.IsBuy), Index: index}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slotLocked(key)
	if !s.state.Empty() || s.running {
		return false
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = t.now()
	}
	s.state = report
	t.owners[report.OrderID] = key
	return true
}

// FreeIndex returns the lowest empty, idle slot index below n.
func (t *Tracker) FreeIndex(market string, side models.Side, n int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < n; i++ {
		s, ok := t.slots[Key{Market: market, Side: side, Index: i}]
		if !ok || (s.state.Empty() && !s.running) {
			return i, true
		}
	}
	return 0, false
}

// Get returns the current report held by a slot.
func (t *Tracker) Get(key Key) models.OrderReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[key]; ok {
		return s.state
	}
	return models.OrderReport{}
}

func (t *Tracker) Snapshot() []SlotState {
	t.mu.Lock()
	out := make([]SlotState, 0, len(t.slots))
	for key, s := range t.slots {
		out = append(out, SlotState{Key: key, Report: s.state, InFlight: s.running})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.Index < b.Index
	})
	return out
}

// Wait blocks until no slot has work queued or in flight.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
