// Package account reads balances and positions from the broker and
// normalizes the several response shapes the API has shipped into the
// canonical models.
package account

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// ErrStateUnreadable means the account state could not be fetched even after
// retries. A run cannot proceed without it.
var ErrStateUnreadable = errors.New("account state unreadable")

// Client is the slice of the broker API the reader needs.
type Client interface {
	GetAccountBalance(ctx context.Context) (*invoke.Result, error)
	GetAccountPositions(ctx context.Context) (*invoke.Result, error)
}

// Snapshot is one consistent read of the account. It is replaced wholesale
// on refresh, never mutated.
type Snapshot struct {
	Balances  map[string]broker.Balance
	Positions []broker.Position
}

// BuyingPower returns the spendable figure for a currency, 0 if absent.
func (s *Snapshot) BuyingPower(currency string) float64 {
	return s.Balances[currency].BuyingPower
}

// Position returns the holding for symbol, if any.
func (s *Snapshot) Position(symbol string) (broker.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return broker.Position{}, false
}

type Reader struct {
	client  Client
	invoker *invoke.Invoker
	log     *zap.Logger
}

func NewReader(client Client, invoker *invoke.Invoker, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{client: client, invoker: invoker, log: log}
}

// Balances fetches and normalizes per-currency balances.
func (r *Reader) Balances(ctx context.Context) (map[string]broker.Balance, error) {
	res, err := r.invoker.Invoke(ctx, "get_account_balance", func(ctx context.Context) (*invoke.Result, error) {
		return r.client.GetAccountBalance(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrStateUnreadable, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: balance: http %d", ErrStateUnreadable, res.Status)
	}

	env, err := webull.Decode(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrStateUnreadable, err)
	}
	return normalizeBalances(env), nil
}

// Positions fetches current holdings. Rows with non-positive quantity are
// dropped.
func (r *Reader) Positions(ctx context.Context) ([]broker.Position, error) {
	res, err := r.invoker.Invoke(ctx, "get_account_positions", func(ctx context.Context) (*invoke.Result, error) {
		return r.client.GetAccountPositions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrStateUnreadable, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: positions: http %d", ErrStateUnreadable, res.Status)
	}

	env, err := webull.Decode(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrStateUnreadable, err)
	}
	return normalizePositions(env), nil
}

// Snapshot reads balances and positions together.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	balances, err := r.Balances(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := r.Positions(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Debug("account snapshot",
		zap.Int("currencies", len(balances)),
		zap.Int("positions", len(positions)))
	return &Snapshot{Balances: balances, Positions: positions}, nil
}

// normalizeBalances accepts the by-currency object shape, the array shape,
// and the legacy account_currency_assets shape. A currency with missing cash
// fields gets zeros rather than being dropped.
func normalizeBalances(env webull.Envelope) map[string]broker.Balance {
	out := make(map[string]broker.Balance)

	if keyed := env.Map(); keyed != nil {
		for currency, obj := range keyed {
			out[currency] = balanceFrom(currency, obj)
		}
		return out
	}

	rows := env.List()
	if len(rows) == 1 {
		// legacy flat object with the assets nested under it
		if assets, ok := rows[0]["account_currency_assets"].([]any); ok {
			rows = nil
			for _, a := range assets {
				if obj, ok := a.(map[string]any); ok {
					rows = append(rows, obj)
				}
			}
		}
	}
	for _, obj := range rows {
		currency := webull.Str(obj, "currency")
		if currency == "" {
			continue
		}
		out[currency] = balanceFrom(currency, obj)
	}
	return out
}

func balanceFrom(currency string, obj map[string]any) broker.Balance {
	return broker.Balance{
		Currency:     currency,
		CashBalance:  webull.Num(obj, "cash_balance"),
		BuyingPower:  webull.Num(obj, "buying_power"),
		UnrealizedPL: webull.Num(obj, "unrealized_profit_loss"),
	}
}

// normalizePositions accepts rows nested under data[].items, data.items, and
// the legacy holdings shape with a nested ticker object.
func normalizePositions(env webull.Envelope) []broker.Position {
	var out []broker.Position

	for _, row := range env.List() {
		if items, ok := row["items"].([]any); ok {
			for _, it := range items {
				if obj, ok := it.(map[string]any); ok {
					appendPosition(&out, positionFromItem(obj))
				}
			}
			continue
		}
		if holdings, ok := row["holdings"].([]any); ok {
			for _, h := range holdings {
				if obj, ok := h.(map[string]any); ok {
					appendPosition(&out, positionFromHolding(obj))
				}
			}
			continue
		}
		// bare row
		appendPosition(&out, positionFromItem(row))
	}
	return out
}

func appendPosition(out *[]broker.Position, p broker.Position) {
	if p.Symbol == "" || p.Quantity <= 0 {
		return
	}
	*out = append(*out, p)
}

func positionFromItem(obj map[string]any) broker.Position {
	qty := int64(webull.Num(obj, "quantity"))
	cost := webull.Num(obj, "cost_price")
	mv := webull.Num(obj, "market_value")
	if mv == 0 && qty > 0 {
		// some payloads report cost and P/L instead of market value
		mv = float64(qty)*cost + webull.Num(obj, "unrealized_profit_loss")
	}
	return broker.Position{
		Symbol:       webull.Str(obj, "symbol"),
		Quantity:     qty,
		CostPrice:    cost,
		MarketValue:  mv,
		InstrumentID: webull.Str(obj, "instrument_id"),
	}
}

func positionFromHolding(obj map[string]any) broker.Position {
	symbol := ""
	if ticker, ok := obj["ticker"].(map[string]any); ok {
		symbol = webull.Str(ticker, "symbol")
	}
	return broker.Position{
		Symbol:       symbol,
		Quantity:     int64(webull.Num(obj, "quantity")),
		MarketValue:  webull.Num(obj, "market_value"),
		InstrumentID: webull.Str(obj, "instrument_id"),
	}
}
