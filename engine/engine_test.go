package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/account"
	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/journal"
	"github.com/tomiyuta/webull-portfolio-rebalancer/market"
	"github.com/tomiyuta/webull-portfolio-rebalancer/planner"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

func ok(v any) *invoke.Result {
	b, _ := json.Marshal(v)
	return &invoke.Result{Status: 200, Body: b}
}

type fakeOrders struct {
	placed    []webull.OrderRequest
	placeFn   func(req webull.OrderRequest) (*invoke.Result, error)
	detailFn  func(orderID string) (*invoke.Result, error)
	open      *invoke.Result
	cancelled []string
}

func (f *fakeOrders) PlaceOrder(_ context.Context, req webull.OrderRequest) (*invoke.Result, error) {
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return ok(map[string]any{"order_id": fmt.Sprintf("ord-%d", len(f.placed))}), nil
}

func (f *fakeOrders) GetOrderDetail(_ context.Context, orderID string) (*invoke.Result, error) {
	if f.detailFn != nil {
		return f.detailFn(orderID)
	}
	return ok(map[string]any{"status": "FILLED"}), nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, orderID string) (*invoke.Result, error) {
	f.cancelled = append(f.cancelled, orderID)
	return ok(map[string]any{}), nil
}

func (f *fakeOrders) GetOpenOrders(_ context.Context) (*invoke.Result, error) {
	if f.open != nil {
		return f.open, nil
	}
	return ok([]any{}), nil
}

type fakeReader struct {
	snaps []*account.Snapshot
	calls int
}

func (f *fakeReader) Snapshot(context.Context) (*account.Snapshot, error) {
	i := f.calls
	f.calls++
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	return f.snaps[i], nil
}

type fakeInstruments struct {
	ids         map[string]string
	invalidated []string
}

func (f *fakeInstruments) Resolve(_ context.Context, symbol string) (string, error) {
	id, found := f.ids[symbol]
	if !found {
		return "", fmt.Errorf("instrument %q not found", symbol)
	}
	return id, nil
}

func (f *fakeInstruments) Invalidate(symbol string) {
	f.invalidated = append(f.invalidated, symbol)
}

type fakePrices struct {
	quotes map[string]float64
}

func (f *fakePrices) ResolveAll(_ context.Context, symbols []string) map[string]market.Quote {
	out := make(map[string]market.Quote)
	for _, sym := range symbols {
		if p, found := f.quotes[sym]; found {
			out[sym] = market.Quote{Symbol: sym, Price: p}
		}
	}
	return out
}

type memJournal struct {
	records []journal.TradeRecord
}

func (m *memJournal) Record(r journal.TradeRecord) error {
	m.records = append(m.records, r)
	return nil
}

func (m *memJournal) Close() error { return nil }

func snapshot(buyingPower float64, positions ...broker.Position) *account.Snapshot {
	return &account.Snapshot{
		Balances:  map[string]broker.Balance{"USD": {Currency: "USD", BuyingPower: buyingPower}},
		Positions: positions,
	}
}

func testInvoker() *invoke.Invoker {
	return invoke.New(invoke.Policy{MaxRetries: 0, BaseDelay: time.Millisecond}, zap.NewNop())
}

func newTestEngine(orders *fakeOrders, reader *fakeReader, inst *fakeInstruments,
	prices *fakePrices, jr journal.Journal, opts Options) *Engine {

	e := New(orders, reader, inst, prices,
		planner.New(planner.ModeTotalValue, 0, zap.NewNop()),
		jr, testInvoker(), opts, zap.NewNop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestRunSellThenBuy(t *testing.T) {
	t.Parallel()

	// Overweight AAPL is trimmed before the MSFT buy. The engine must
	// sell first, re-read the account, then run the buy pass.
	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{
		snapshot(300, broker.Position{Symbol: "AAPL", Quantity: 10, MarketValue: 1000}),
		snapshot(400, broker.Position{Symbol: "AAPL", Quantity: 9, MarketValue: 900}),
	}}
	inst := &fakeInstruments{ids: map[string]string{"AAPL": "i-aapl", "MSFT": "i-msft"}}
	prices := &fakePrices{quotes: map[string]float64{"AAPL": 100, "MSFT": 50}}

	jr := &memJournal{}
	e := newTestEngine(orders, reader, inst, prices, jr, Options{})

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "AAPL", Percent: 70}, {Symbol: "MSFT", Percent: 30}})
	require.NoError(t, err)

	// Total 1300: AAPL target 9 (sell 1), MSFT target 7 capped at 6 by
	// planning-time cash.
	require.Len(t, orders.placed, 2)
	assert.Equal(t, "SELL", orders.placed[0].Side)
	assert.Equal(t, "AAPL", orders.placed[0].Symbol)
	assert.Equal(t, "1", orders.placed[0].Quantity)
	assert.Equal(t, "BUY", orders.placed[1].Side)
	assert.Equal(t, "MSFT", orders.placed[1].Symbol)
	assert.Equal(t, "6", orders.placed[1].Quantity)

	assert.Equal(t, 2, reader.calls, "account must be re-read after the sell phase")
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestRunDryRunPlacesNothing(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-voo"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100}}

	jr := &memJournal{}
	e := newTestEngine(orders, reader, inst, prices, jr, Options{DryRun: true})

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 100}})
	require.NoError(t, err)

	assert.Empty(t, orders.placed)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, broker.OrderStatus("PLANNED"), res.Outcomes[0].Status)
	require.Len(t, jr.records, 1)
	assert.Equal(t, "PLANNED", jr.records[0].Status)
}

func TestRunClientOrderIDsUniqueAcrossTrades(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-voo", "BND": "i-bnd"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100, "BND": 50}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	_, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 60}, {Symbol: "BND", Percent: 40}})
	require.NoError(t, err)

	require.Len(t, orders.placed, 2)
	assert.Len(t, orders.placed[0].ClientOrderID, 32)
	assert.NotEqual(t, orders.placed[0].ClientOrderID, orders.placed[1].ClientOrderID)
}

func TestRunStaleInstrumentResubmitsWithSameKey(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	orders.placeFn = func(req webull.OrderRequest) (*invoke.Result, error) {
		if len(orders.placed) == 1 {
			body, _ := json.Marshal(map[string]any{"error_code": "INVALID_INSTRUMENT_ID"})
			return &invoke.Result{Status: 417, Body: body}, nil
		}
		return ok(map[string]any{"order_id": "ord-2"}), nil
	}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-stale"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 100}})
	require.NoError(t, err)

	require.Len(t, orders.placed, 2)
	assert.Equal(t, []string{"VOO"}, inst.invalidated)
	// The resubmission is the same logical order, so the idempotency key
	// must not change.
	assert.Equal(t, orders.placed[0].ClientOrderID, orders.placed[1].ClientOrderID)
	assert.Equal(t, 1, res.Succeeded)
}

func TestRunInsufficientBuyingPowerSkipsTrade(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	orders.placeFn = func(req webull.OrderRequest) (*invoke.Result, error) {
		if req.Symbol == "VOO" {
			body, _ := json.Marshal(map[string]any{"error_code": "ORDER_BUYING_POWER_NOT_ENOUGH"})
			return &invoke.Result{Status: 417, Body: body}, nil
		}
		return ok(map[string]any{"order_id": "ord-ok"}), nil
	}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-voo", "BND": "i-bnd"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100, "BND": 50}}

	jr := &memJournal{}
	e := newTestEngine(orders, reader, inst, prices, jr, Options{})

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 60}, {Symbol: "BND", Percent: 40}})
	require.NoError(t, err, "a rejected trade must not abort the run")

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	var rejected *Outcome
	for i := range res.Outcomes {
		if res.Outcomes[i].Trade.Symbol == "VOO" {
			rejected = &res.Outcomes[i]
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, broker.StatusRejected, rejected.Status)
	assert.Equal(t, planner.ReasonInsufficientFunds, rejected.Reason)
}

func TestRunAllSellsFailedSkipsBuys(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	orders.placeFn = func(req webull.OrderRequest) (*invoke.Result, error) {
		return &invoke.Result{Status: 400, Body: []byte(`{"error_code":"BAD"}`)}, nil
	}
	reader := &fakeReader{snaps: []*account.Snapshot{
		snapshot(100, broker.Position{Symbol: "AAPL", Quantity: 10, MarketValue: 1000}),
	}}
	inst := &fakeInstruments{ids: map[string]string{"AAPL": "i-aapl", "MSFT": "i-msft"}}
	prices := &fakePrices{quotes: map[string]float64{"AAPL": 100, "MSFT": 50}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "AAPL", Percent: 50}, {Symbol: "MSFT", Percent: 50}})
	require.ErrorIs(t, err, ErrNothingExecuted)

	// Only the sell reached the broker; the buy was gated off.
	require.Len(t, orders.placed, 1)
	assert.Equal(t, "SELL", orders.placed[0].Side)
	assert.Equal(t, 1, reader.calls, "no re-read when the buy pass is skipped")

	var gated bool
	for _, out := range res.Outcomes {
		if out.Trade.Symbol == "MSFT" && out.Reason == "sell phase failed" {
			gated = true
		}
	}
	assert.True(t, gated)
}

func TestRunPollTimeoutYieldsTimeoutStatus(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	orders.detailFn = func(string) (*invoke.Result, error) {
		return ok(map[string]any{"status": "PENDING"}), nil
	}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-voo"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{
		OrderTimeout: 50 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	e.sleep = sleepCtx

	res, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 100}})
	require.ErrorIs(t, err, ErrNothingExecuted)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, broker.StatusTimeout, res.Outcomes[0].Status)
}

func TestRunCancelsOpenOrdersFirst(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{open: ok([]any{
		map[string]any{"order_id": "stale-1"},
		map[string]any{"order_id": "stale-2"},
	})}
	reader := &fakeReader{snaps: []*account.Snapshot{snapshot(1000)}}
	inst := &fakeInstruments{ids: map[string]string{"VOO": "i-voo"}}
	prices := &fakePrices{quotes: map[string]float64{"VOO": 100}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	_, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "VOO", Percent: 100}})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-1", "stale-2"}, orders.cancelled)
}

func TestRunBuyRecheckedAgainstFreshCash(t *testing.T) {
	t.Parallel()

	// The refreshed snapshot shows less buying power than planned; the
	// buy quantity shrinks instead of overspending.
	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{
		snapshot(500, broker.Position{Symbol: "AAPL", Quantity: 10, MarketValue: 1000}),
		snapshot(120, broker.Position{Symbol: "AAPL", Quantity: 7, MarketValue: 700}),
	}}
	inst := &fakeInstruments{ids: map[string]string{"AAPL": "i-aapl", "MSFT": "i-msft"}}
	prices := &fakePrices{quotes: map[string]float64{"AAPL": 100, "MSFT": 50}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	_, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "AAPL", Percent: 50}, {Symbol: "MSFT", Percent: 50}})
	require.NoError(t, err)

	require.Len(t, orders.placed, 2)
	assert.Equal(t, "MSFT", orders.placed[1].Symbol)
	assert.Equal(t, "2", orders.placed[1].Quantity) // floor(120/50)
}

func TestRunLimitPricesOffsetFromReference(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{
		snapshot(1000, broker.Position{Symbol: "AAPL", Quantity: 10, MarketValue: 1000}),
	}}
	inst := &fakeInstruments{ids: map[string]string{"AAPL": "i-aapl", "MSFT": "i-msft"}}
	prices := &fakePrices{quotes: map[string]float64{"AAPL": 100, "MSFT": 50}}

	e := newTestEngine(orders, reader, inst, prices, nil, Options{})

	_, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "MSFT", Percent: 100}})
	require.NoError(t, err)

	require.Len(t, orders.placed, 2)
	assert.Equal(t, "99.00", orders.placed[0].LimitPrice)  // sell 1% below
	assert.Equal(t, "50.50", orders.placed[1].LimitPrice)  // buy 1% above
	assert.Equal(t, "LIMIT", orders.placed[0].OrderType)
	assert.Equal(t, "DAY", orders.placed[0].TimeInForce)
}

func TestRunJournalsEveryAttempt(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{}
	reader := &fakeReader{snaps: []*account.Snapshot{
		snapshot(30, broker.Position{Symbol: "XYZ", Quantity: 1, MarketValue: 970}),
	}}
	inst := &fakeInstruments{ids: map[string]string{"XYZ": "i-xyz", "VOO": "i-voo"}}
	// VOO has no quote: planned as a skip, journaled as such.
	prices := &fakePrices{quotes: map[string]float64{"XYZ": 970}}

	jr := &memJournal{}
	e := newTestEngine(orders, reader, inst, prices, jr, Options{})

	_, err := e.Run(context.Background(), broker.TargetAllocation{{Symbol: "XYZ", Percent: 50}, {Symbol: "VOO", Percent: 50}})
	require.NoError(t, err)

	statuses := make(map[string]string)
	for _, rec := range jr.records {
		statuses[rec.Symbol+"/"+rec.Status] = rec.Reason
	}
	assert.Contains(t, statuses, "VOO/SKIPPED")
	assert.Equal(t, planner.ReasonNoPrice, statuses["VOO/SKIPPED"])

	runID := jr.records[0].RunID
	for _, rec := range jr.records {
		assert.Equal(t, runID, rec.RunID)
		assert.NotEmpty(t, rec.ID)
	}
}
