package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/orderbook"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFeedURL = "wss://ws-feed.exchange.coinbase.com"
	SandboxFeedURL = "wss://ws-feed-public.sandbox.exchange.coinbase.com"

	pingInterval = 30 * time.Second
)

type FeedConfig struct {
	URL     string
	Backoff Backoff
	// MaxReconnects bounds consecutive failed sessions; zero retries forever.
	MaxReconnects int
}

// Feed maintains level2 books for subscribed markets and, when
// authenticated, turns the user channel into fills and order events.
type Feed struct {
	cfg    FeedConfig
	auth   Authenticator
	store  *orderbook.Store
	orders *registry
	logger *logrus.Logger
	dialer websocket.Dialer

	matches venue.Dispatcher[models.Fill]
	events  venue.Dispatcher[models.OrderEvent]

	mu      sync.Mutex
	markets map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type SubscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Signature  string   `json:"signature,omitempty"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	JWT        string   `json:"jwt,omitempty"`
}

// WSMessage covers every feed message type the replicator reads.
type WSMessage struct {
	Type      string    `json:"type"`
	ProductID string    `json:"product_id"`
	Time      time.Time `json:"time"`
	Sequence  int64     `json:"sequence"`

	// snapshot and l2update
	Bids    [][]string `json:"bids"`
	Asks    [][]string `json:"asks"`
	Changes [][]string `json:"changes"`

	// match and done
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	OrderID      string `json:"order_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Reason       string `json:"reason"`

	// error
	Message string `json:"message"`
}

func NewFeed(cfg FeedConfig, auth Authenticator, logger *logrus.Logger) *Feed {
	if cfg.URL == "" {
		cfg.URL = DefaultFeedURL
	}
	return &Feed{
		cfg:     cfg,
		auth:    auth,
		store:   orderbook.NewStore(),
		orders:  newRegistry(),
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		markets: make(map[string]bool),
	}
}

// Store exposes the maintained books.
func (f *Feed) Store() *orderbook.Store {
	return f.store
}

// SubscribeMarkets closes any running subscription and starts a new one.
// Books read as halted until each market's first snapshot arrives.
func (f *Feed) SubscribeMarkets(ctx context.Context, markets []string) error {
	if len(markets) == 0 {
		return fmt.Errorf("no markets to subscribe")
	}
	f.Close()

	f.mu.Lock()
	defer f.mu.Unlock()

	for m := range f.markets {
		f.store.Reset(m)
	}
	f.markets = make(map[string]bool, len(markets))
	for _, m := range markets {
		f.markets[m] = true
		f.store.Halt(m, "awaiting snapshot")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	products := append([]string(nil), markets...)
	go f.run(runCtx, products, done)

	f.logger.WithField("markets", products).Info("Subscribed to feed")
	return nil
}

// Close stops the running subscription, if any, and waits for it to exit.
func (f *Feed) Close() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *Feed) ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error {
	f.mu.Lock()
	subscribed := f.markets[market]
	f.mu.Unlock()

	if !subscribed {
		return fmt.Errorf("%w: %s", venue.ErrNotSubscribed, market)
	}
	return f.store.Read(market, isBuy, visit)
}

func (f *Feed) HandleMatch(fn func(models.Fill)) {
	f.matches.Handle(fn)
}

func (f *Feed) HandleOrderEvent(fn func(models.OrderEvent)) {
	f.events.Handle(fn)
}

func (f *Feed) run(ctx context.Context, markets []string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		healthy, err := f.session(ctx, markets)
		if ctx.Err() != nil {
			return
		}
		for _, m := range markets {
			f.store.Halt(m, "feed reconnecting")
		}

		if healthy {
			attempt = 0
		}
		attempt++
		if f.cfg.MaxReconnects > 0 && attempt > f.cfg.MaxReconnects {
			f.logger.WithError(err).WithField("attempts", attempt-1).Error("Giving up on feed")
			return
		}

		wait := f.cfg.Backoff.Next(attempt)
		f.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails. healthy reports whether any
// snapshot was applied, which resets the backoff.
func (f *Feed) session(ctx context.Context, markets []string) (healthy bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// unblocks ReadMessage on shutdown
	stop := context.AfterFunc(sessionCtx, func() { conn.Close() })
	defer stop()

	sub, err := f.subscription(markets)
	if err != nil {
		return false, err
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}

	go f.keepAlive(sessionCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return healthy, fmt.Errorf("failed to read websocket message: %w", err)
		}

		typ, err := f.handleMessage(data)
		if err != nil {
			if orderbook.IsFeedIntegrity(err) {
				return healthy, err
			}
			f.logger.WithError(err).Warn("Handler error")
			continue
		}
		if typ == "snapshot" {
			healthy = true
		}
	}
}

func (f *Feed) subscription(markets []string) (*SubscribeMessage, error) {
	sub := &SubscribeMessage{
		Type:       "subscribe",
		ProductIDs: markets,
		Channels:   []string{"level2_batch", "heartbeat"},
	}
	if f.auth != nil {
		sub.Channels = append(sub.Channels, "user")
		if err := f.auth.SignSubscription(sub); err != nil {
			return nil, fmt.Errorf("failed to sign subscription: %w", err)
		}
	}
	return sub, nil
}

func (f *Feed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				f.logger.WithError(err).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

// handleMessage applies one raw feed message and returns its type. Book
// integrity faults are returned as *orderbook.FeedIntegrityError.
func (f *Feed) handleMessage(data []byte) (string, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Type {
	case "snapshot":
		return msg.Type, f.handleSnapshot(&msg)
	case "l2update":
		return msg.Type, f.handleL2Update(&msg)
	case "match":
		return msg.Type, f.handleMatch(&msg)
	case "done":
		f.handleDone(&msg)
		return msg.Type, nil
	case "error":
		return msg.Type, fmt.Errorf("feed error: %s: %s", msg.Message, msg.Reason)
	default:
		return msg.Type, nil
	}
}

func (f *Feed) handleSnapshot(msg *WSMessage) error {
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return fmt.Errorf("snapshot %s bids: %w", msg.ProductID, err)
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return fmt.Errorf("snapshot %s asks: %w", msg.ProductID, err)
	}
	return f.store.ApplySnapshot(msg.ProductID, bids, asks)
}

func (f *Feed) handleL2Update(msg *WSMessage) error {
	for _, change := range msg.Changes {
		if len(change) != 3 {
			return fmt.Errorf("l2update %s: malformed change %v", msg.ProductID, change)
		}
		side := models.SideSell
		if change[0] == "buy" {
			side = models.SideBuy
		}
		price, err := decimal.NewFromString(change[1])
		if err != nil {
			return fmt.Errorf("l2update %s price: %w", msg.ProductID, err)
		}
		size, err := decimal.NewFromString(change[2])
		if err != nil {
			return fmt.Errorf("l2update %s size: %w", msg.ProductID, err)
		}
		if err := f.store.ApplyDelta(msg.ProductID, side, price, size); err != nil {
			return err
		}
	}
	return nil
}

// handleMatch emits a fill for our side of a match. When both sides are
// ours the fill is a self-trade and carries sequence zero.
func (f *Feed) handleMatch(msg *WSMessage) error {
	makerOurs := f.orders.has(msg.MakerOrderID)
	takerOurs := f.orders.has(msg.TakerOrderID)
	if !makerOurs && !takerOurs {
		// may be an order whose placement is not acknowledged yet
		f.orders.hold(msg)
		return nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return fmt.Errorf("match price: %w", err)
	}
	size, err := decimal.NewFromString(msg.Size)
	if err != nil {
		return fmt.Errorf("match size: %w", err)
	}

	// side is the maker's side
	makerBuy := msg.Side == "buy"
	fill := models.Fill{
		Market:   msg.ProductID,
		OrderID:  msg.MakerOrderID,
		IsBuy:    makerBuy,
		Price:    price,
		Quantity: size,
		Sequence: msg.Sequence,
		Time:     msg.Time,
	}
	if !makerOurs {
		fill.OrderID = msg.TakerOrderID
		fill.IsBuy = !makerBuy
	}
	if makerOurs && takerOurs {
		fill.Sequence = 0
	}

	f.matches.Emit(fill)
	return nil
}

// track registers one of our order ids and replays matches that arrived
// before it was known.
func (f *Feed) track(orderID string) {
	for _, msg := range f.orders.add(orderID) {
		if err := f.handleMatch(msg); err != nil {
			f.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to replay held match")
			continue
		}
		f.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"market":   msg.ProductID,
		}).Info("Replayed match received before order acknowledgement")
	}
}

func (f *Feed) handleDone(msg *WSMessage) {
	if msg.OrderID == "" {
		return
	}
	reason := models.OrderClosed
	switch msg.Reason {
	case "filled":
		reason = models.OrderFilled
	case "canceled":
		reason = models.OrderCanceled
	}
	f.orders.remove(msg.OrderID)
	f.events.Emit(models.OrderEvent{OrderID: msg.OrderID, Market: msg.ProductID, Reason: reason})
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, r := range raw {
		if len(r) < 2 {
			return nil, errors.New("malformed level")
		}
		price, err := decimal.NewFromString(r[0])
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: size})
	}
	return out, nil
}
