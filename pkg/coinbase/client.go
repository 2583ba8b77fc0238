// Package coinbase implements the venue interface against the Coinbase
// Exchange REST API and websocket feed.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultRestURL = "https://api.exchange.coinbase.com"
	SandboxRestURL = "https://api-public.sandbox.exchange.coinbase.com"
)

var ErrNotAuthenticated = errors.New("coinbase: no credentials configured")

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coinbase: http %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	RestURL string
	Sandbox bool
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Client is a Coinbase venue: REST for orders and accounts, Feed for books
// and order lifecycle.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limiter    *rate.Limiter
	feed       *Feed
	logger     *logrus.Logger
}

var _ venue.Venue = (*Client)(nil)

func NewClient(name string, cfg Config, auth Authenticator, feed *Feed, logger *logrus.Logger) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = DefaultRestURL
		if cfg.Sandbox {
			baseURL = SandboxRestURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		limiter:    limiter,
		feed:       feed,
		logger:     logger,
	}
}

func (c *Client) Name() string {
	return c.name
}

type account struct {
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}

func (c *Client) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	var accounts []account
	if _, err := c.doRequest(ctx, http.MethodGet, "/accounts", nil, nil, &accounts); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	balances := make(map[string]models.Balance, len(accounts))
	for _, a := range accounts {
		balances[a.Currency] = models.Balance{
			Available: a.Available,
			Hold:      a.Hold,
			Balance:   a.Balance,
		}
	}
	return balances, nil
}

func (c *Client) SubscribeMarkets(ctx context.Context, markets []string) error {
	return c.feed.SubscribeMarkets(ctx, markets)
}

func (c *Client) ReadLevels(market string, isBuy bool, visit func(models.PriceLevel) bool) error {
	return c.feed.ReadLevels(market, isBuy, visit)
}

func (c *Client) HandleMatch(fn func(models.Fill)) {
	c.feed.HandleMatch(fn)
}

func (c *Client) HandleOrderEvent(fn func(models.OrderEvent)) {
	c.feed.HandleOrderEvent(fn)
}

type orderRequest struct {
	ClientOID string `json:"client_oid"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	PostOnly  bool   `json:"post_only"`
}

type orderResponse struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	CreatedAt time.Time       `json:"created_at"`

	// set on done orders
	FilledSize    decimal.Decimal `json:"filled_size"`
	ExecutedValue decimal.Decimal `json:"executed_value"`
	FillFees      decimal.Decimal `json:"fill_fees"`
	DoneAt        time.Time       `json:"done_at"`
}

func (o orderResponse) report() models.OrderReport {
	return models.OrderReport{
		OrderID:   o.ID,
		Market:    o.ProductID,
		IsBuy:     o.Side == "buy",
		Price:     o.Price,
		Quantity:  o.Size,
		Timestamp: o.CreatedAt,
	}
}

// NewOrder places a post-only limit order. A replace cancels the prior order
// first; an order that is already gone does not block the placement.
func (c *Client) NewOrder(ctx context.Context, order models.Order) (models.OrderReport, error) {
	if order.ReplaceOrderID != "" {
		err := c.CancelOrder(ctx, order.ReplaceOrderID)
		var apiErr *APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
			return models.OrderReport{}, venue.AsSubmissionError(c.name, order.Market, "replace", err)
		}
	}

	side := "sell"
	if order.IsBuy {
		side = "buy"
	}
	req := orderRequest{
		ClientOID: uuid.NewString(),
		ProductID: order.Market,
		Side:      side,
		Type:      "limit",
		Price:     order.Price.String(),
		Size:      order.Quantity.String(),
		PostOnly:  true,
	}

	var resp orderResponse
	if _, err := c.doRequest(ctx, http.MethodPost, "/orders", nil, req, &resp); err != nil {
		return models.OrderReport{}, venue.AsSubmissionError(c.name, order.Market, "new_order", err)
	}
	c.feed.track(resp.ID)

	report := resp.report()
	// the caller stamps the report
	report.Timestamp = time.Time{}
	return report, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetResting lists every open order, following pagination.
func (c *Client) GetResting(ctx context.Context) ([]models.OrderReport, error) {
	orders, err := c.listOrders(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	out := make([]models.OrderReport, 0, len(orders))
	for _, o := range orders {
		c.feed.track(o.ID)
		out = append(out, o.report())
	}
	return out, nil
}

// GetDone lists closed orders, optionally for one product.
func (c *Client) GetDone(ctx context.Context, market string) ([]models.DoneOrder, error) {
	orders, err := c.listOrders(ctx, "done", market)
	if err != nil {
		return nil, fmt.Errorf("failed to get done orders: %w", err)
	}
	out := make([]models.DoneOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, models.DoneOrder{
			OrderID:       o.ID,
			Market:        o.ProductID,
			IsBuy:         o.Side == "buy",
			FilledSize:    o.FilledSize,
			ExecutedValue: o.ExecutedValue,
			FillFees:      o.FillFees,
			DoneAt:        o.DoneAt,
		})
	}
	return out, nil
}

func (c *Client) listOrders(ctx context.Context, status, market string) ([]orderResponse, error) {
	var out []orderResponse
	query := url.Values{"status": {status}, "limit": {"100"}}
	if market != "" {
		query.Set("product_id", market)
	}

	for {
		var page []orderResponse
		header, err := c.doRequest(ctx, http.MethodGet, "/orders", query, nil, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)

		after := header.Get("CB-AFTER")
		if after == "" || len(page) == 0 {
			return out, nil
		}
		query.Set("after", after)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	if c.auth == nil {
		return nil, ErrNotAuthenticated
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.auth.AddAuthHeaders(req, method, requestPath, string(payload)); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		}
		return resp.Header, apiErr
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   requestPath,
		"status": resp.StatusCode,
	}).Debug("Coinbase request")

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.Header, nil
}
