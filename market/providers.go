package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// Provider names, used as cache source tags and for prefer-reordering.
const (
	SourceSnapshot  = "snapshot"
	SourceLastPrice = "last_price"
	SourceEOD       = "eod"
	SourcePositions = "positions"
	SourceStooq     = "stooq"
)

// Provider is one way of getting a price for a symbol. Fetch returns a
// strictly positive price or an error; zero prices are failures.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (float64, error)
}

// QuoteClient is the slice of the broker API the market providers need.
type QuoteClient interface {
	GetSnapshot(ctx context.Context, symbol, category string) (*invoke.Result, error)
	GetLastPrice(ctx context.Context, instrumentID string) (*invoke.Result, error)
	GetEODBars(ctx context.Context, instrumentID string, count int) (*invoke.Result, error)
}

// InstrumentSource resolves symbols to broker instrument ids for the
// id-parameterized endpoints.
type InstrumentSource interface {
	Resolve(ctx context.Context, symbol string) (string, error)
}

// PositionSource supplies current holdings for the position-implied price.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.Position, error)
}

var errNoPrice = errors.New("no usable price")

// snapshotProvider hits the market snapshot endpoint, fund category first,
// mirroring the instrument lookup order.
type snapshotProvider struct {
	client  QuoteClient
	invoker *invoke.Invoker
}

func (p *snapshotProvider) Name() string { return SourceSnapshot }

func (p *snapshotProvider) Fetch(ctx context.Context, symbol string) (float64, error) {
	for _, category := range []string{webull.CategoryETF, webull.CategoryStock} {
		op := "get_snapshot_" + category
		res, err := p.invoker.Invoke(ctx, op, func(ctx context.Context) (*invoke.Result, error) {
			return p.client.GetSnapshot(ctx, symbol, category)
		})
		if err != nil || !res.OK() {
			continue
		}
		env, err := webull.Decode(res.Body)
		if err != nil {
			continue
		}
		if price := extractForSymbol(env, symbol); price > 0 {
			return price, nil
		}
	}
	return 0, fmt.Errorf("snapshot %s: %w", symbol, errNoPrice)
}

// extractForSymbol prefers the row matching the symbol in multi-row
// payloads, falling back to plain extraction.
func extractForSymbol(env webull.Envelope, symbol string) float64 {
	for _, row := range env.List() {
		if webull.Str(row, "symbol") == symbol {
			if v := pick(row); v > 0 {
				return v
			}
		}
	}
	return ExtractPrice(env)
}

// lastPriceProvider uses the instrument-id parameterized latest-trade
// endpoint.
type lastPriceProvider struct {
	client      QuoteClient
	invoker     *invoke.Invoker
	instruments InstrumentSource
}

func (p *lastPriceProvider) Name() string { return SourceLastPrice }

func (p *lastPriceProvider) Fetch(ctx context.Context, symbol string) (float64, error) {
	id, err := p.instruments.Resolve(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("last price %s: %w", symbol, err)
	}
	res, err := p.invoker.Invoke(ctx, "get_last_price", func(ctx context.Context) (*invoke.Result, error) {
		return p.client.GetLastPrice(ctx, id)
	})
	if err != nil {
		return 0, fmt.Errorf("last price %s: %w", symbol, err)
	}
	if !res.OK() {
		return 0, fmt.Errorf("last price %s: http %d", symbol, res.Status)
	}
	env, err := webull.Decode(res.Body)
	if err != nil {
		return 0, fmt.Errorf("last price %s: %w", symbol, err)
	}
	if price := ExtractPrice(env); price > 0 {
		return price, nil
	}
	return 0, fmt.Errorf("last price %s: %w", symbol, errNoPrice)
}

// eodProvider falls back to the newest end-of-day bar.
type eodProvider struct {
	client      QuoteClient
	invoker     *invoke.Invoker
	instruments InstrumentSource
}

func (p *eodProvider) Name() string { return SourceEOD }

func (p *eodProvider) Fetch(ctx context.Context, symbol string) (float64, error) {
	id, err := p.instruments.Resolve(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("eod %s: %w", symbol, err)
	}
	res, err := p.invoker.Invoke(ctx, "get_eod_bar", func(ctx context.Context) (*invoke.Result, error) {
		return p.client.GetEODBars(ctx, id, 1)
	})
	if err != nil {
		return 0, fmt.Errorf("eod %s: %w", symbol, err)
	}
	if !res.OK() {
		return 0, fmt.Errorf("eod %s: http %d", symbol, res.Status)
	}
	env, err := webull.Decode(res.Body)
	if err != nil {
		return 0, fmt.Errorf("eod %s: %w", symbol, err)
	}
	if price := ExtractBarClose(env); price > 0 {
		return price, nil
	}
	return 0, fmt.Errorf("eod %s: %w", symbol, errNoPrice)
}

// positionProvider derives the price from the holding's own market value.
// Free — no market-data call — but only works for symbols already held.
type positionProvider struct {
	positions PositionSource
}

func (p *positionProvider) Name() string { return SourcePositions }

func (p *positionProvider) Fetch(ctx context.Context, symbol string) (float64, error) {
	held, err := p.positions.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("positions %s: %w", symbol, err)
	}
	for _, pos := range held {
		if pos.Symbol == symbol {
			if price := pos.Price(); price > 0 {
				return price, nil
			}
		}
	}
	return 0, fmt.Errorf("positions %s: %w", symbol, errNoPrice)
}

// stooqProvider is the external public-data fallback: Stooq's CSV quote
// endpoint, which needs no credentials.
type stooqProvider struct {
	invoker *invoke.Invoker
	baseURL string
	http    *http.Client
}

// NewStooqProvider returns the public-data fallback provider. baseURL ""
// means the real service.
func NewStooqProvider(invoker *invoke.Invoker, baseURL string) Provider {
	if baseURL == "" {
		baseURL = "https://stooq.com"
	}
	return &stooqProvider{invoker: invoker, baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
}

func (p *stooqProvider) Name() string { return SourceStooq }

func (p *stooqProvider) Fetch(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/q/l/?s=%s.us&f=sd2t2ohlcv&h&e=csv", p.baseURL, strings.ToLower(symbol))

	res, err := p.invoker.Invoke(ctx, "stooq_quote", func(ctx context.Context) (*invoke.Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := readBody(resp)
		if err != nil {
			return nil, err
		}
		return &invoke.Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
	if err != nil {
		return 0, fmt.Errorf("stooq %s: %w", symbol, err)
	}
	if !res.OK() {
		return 0, fmt.Errorf("stooq %s: http %d", symbol, res.Status)
	}

	price, err := parseStooqCSV(res.Body)
	if err != nil {
		return 0, fmt.Errorf("stooq %s: %w", symbol, err)
	}
	return price, nil
}

// parseStooqCSV reads the Close column of the single data row. A dash means
// the symbol is unknown to the service.
func parseStooqCSV(body []byte) (float64, error) {
	rows, err := csv.NewReader(strings.NewReader(string(body))).ReadAll()
	if err != nil {
		return 0, err
	}
	if len(rows) < 2 {
		return 0, errNoPrice
	}
	closeIdx := -1
	for i, col := range rows[0] {
		if strings.EqualFold(col, "Close") {
			closeIdx = i
		}
	}
	if closeIdx < 0 || closeIdx >= len(rows[1]) {
		return 0, errNoPrice
	}
	price, err := strconv.ParseFloat(rows[1][closeIdx], 64)
	if err != nil || price <= 0 {
		return 0, errNoPrice
	}
	return price, nil
}
