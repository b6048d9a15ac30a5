// Package webull is a thin HTTP client for the broker's OpenAPI v2
// endpoints. Each method performs exactly one request and returns the raw
// status/headers/body; retries, throttling and decoding belong to the
// layers above.
package webull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
)

// DefaultBaseURL is the production OpenAPI host.
const DefaultBaseURL = "https://api.webull.com"

// Instrument categories the lookup endpoint accepts.
const (
	CategoryETF   = "US_ETF"
	CategoryStock = "US_STOCK"
)

type Client struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	AccountID string
	HTTP      *http.Client
}

func NewClient(baseURL, appKey, appSecret, accountID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AppKey:    appKey,
		AppSecret: appSecret,
		AccountID: accountID,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*invoke.Result, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-app-key", c.AppKey)
	req.Header.Set("x-app-secret", c.AppSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &invoke.Result{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// GetAccountBalance fetches per-currency balances for the account.
func (c *Client) GetAccountBalance(ctx context.Context) (*invoke.Result, error) {
	q := url.Values{"account_id": {c.AccountID}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/account/balance", q, nil)
}

// GetAccountPositions fetches the account's current holdings.
func (c *Client) GetAccountPositions(ctx context.Context) (*invoke.Result, error) {
	q := url.Values{"account_id": {c.AccountID}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/account/positions", q, nil)
}

// GetInstrument looks a symbol up under one instrument category.
func (c *Client) GetInstrument(ctx context.Context, symbol, category string) (*invoke.Result, error) {
	q := url.Values{"symbols": {symbol}, "category": {category}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/instrument", q, nil)
}

// GetSnapshot fetches the market snapshot for a symbol under a category.
func (c *Client) GetSnapshot(ctx context.Context, symbol, category string) (*invoke.Result, error) {
	q := url.Values{"symbols": {symbol}, "category": {category}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/market-data/snapshot", q, nil)
}

// GetLastPrice fetches the latest trade price by instrument id.
func (c *Client) GetLastPrice(ctx context.Context, instrumentID string) (*invoke.Result, error) {
	q := url.Values{"instrument_ids": {instrumentID}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/market-data/last-price", q, nil)
}

// GetEODBars fetches the most recent end-of-day bar by instrument id.
func (c *Client) GetEODBars(ctx context.Context, instrumentID string, count int) (*invoke.Result, error) {
	q := url.Values{
		"instrument_ids": {instrumentID},
		"count":          {fmt.Sprintf("%d", count)},
	}
	return c.do(ctx, http.MethodGet, "/openapi/v2/market-data/eod-bars", q, nil)
}

// OrderRequest is the v2 order placement body.
type OrderRequest struct {
	ClientOrderID         string `json:"client_order_id"`
	Symbol                string `json:"symbol"`
	InstrumentID          string `json:"instrument_id,omitempty"`
	InstrumentType        string `json:"instrument_type"`
	Market                string `json:"market"`
	OrderType             string `json:"order_type"`
	LimitPrice            string `json:"limit_price,omitempty"`
	Quantity              string `json:"quantity"`
	SupportTradingSession string `json:"support_trading_session"`
	Side                  string `json:"side"`
	TimeInForce           string `json:"time_in_force"`
	EntrustType           string `json:"entrust_type"`
	AccountTaxType        string `json:"account_tax_type"`
}

// PlaceOrder submits a new order for the account.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*invoke.Result, error) {
	q := url.Values{"account_id": {c.AccountID}}
	return c.do(ctx, http.MethodPost, "/openapi/v2/orders/place", q, req)
}

// GetOrderDetail fetches the current state of one order.
func (c *Client) GetOrderDetail(ctx context.Context, orderID string) (*invoke.Result, error) {
	q := url.Values{"order_id": {orderID}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/orders/detail", q, nil)
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*invoke.Result, error) {
	body := map[string]string{"order_id": orderID}
	q := url.Values{"account_id": {c.AccountID}}
	return c.do(ctx, http.MethodPost, "/openapi/v2/orders/cancel", q, body)
}

// GetOpenOrders fetches orders still working at the broker.
func (c *Client) GetOpenOrders(ctx context.Context) (*invoke.Result, error) {
	q := url.Values{"account_id": {c.AccountID}}
	return c.do(ctx, http.MethodGet, "/openapi/v2/orders/open", q, nil)
}
