// Package engine drives a rebalance run end to end: read account state,
// price the universe, plan trades, then execute sells before buys with a
// state re-read in between.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/account"
	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/journal"
	"github.com/tomiyuta/webull-portfolio-rebalancer/market"
	"github.com/tomiyuta/webull-portfolio-rebalancer/metrics"
	"github.com/tomiyuta/webull-portfolio-rebalancer/pkg/id"
	"github.com/tomiyuta/webull-portfolio-rebalancer/planner"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// ErrNothingExecuted is returned when a non-empty plan produced zero
// successfully filled orders.
var ErrNothingExecuted = errors.New("no orders executed")

// Broker error codes surfaced on 417 responses.
const (
	codeInsufficientBuyingPower = "ORDER_BUYING_POWER_NOT_ENOUGH"
	codeInvalidInstrumentID     = "INVALID_INSTRUMENT_ID"
)

// limitOffset pads limit orders off the reference price so they behave
// like marketable limits: buys 1% above, sells 1% below.
const limitOffset = 0.01

// OrderClient is the slice of the brokerage API the engine submits
// through.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req webull.OrderRequest) (*invoke.Result, error)
	GetOrderDetail(ctx context.Context, orderID string) (*invoke.Result, error)
	CancelOrder(ctx context.Context, orderID string) (*invoke.Result, error)
	GetOpenOrders(ctx context.Context) (*invoke.Result, error)
}

// StateReader supplies a consistent view of balances and positions.
type StateReader interface {
	Snapshot(ctx context.Context) (*account.Snapshot, error)
}

// InstrumentResolver maps symbols to broker instrument IDs.
type InstrumentResolver interface {
	Resolve(ctx context.Context, symbol string) (string, error)
	Invalidate(symbol string)
}

// PriceSource resolves reference prices for a set of symbols.
type PriceSource interface {
	ResolveAll(ctx context.Context, symbols []string) map[string]market.Quote
}

// Options tune a run without touching the wiring.
type Options struct {
	DryRun       bool
	Currency     string
	OrderTimeout time.Duration
	PollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.OrderTimeout <= 0 {
		o.OrderTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
}

// Outcome is the final disposition of one planned trade.
type Outcome struct {
	Trade   broker.Trade
	Status  broker.OrderStatus
	OrderID string
	Reason  string
}

// Filled reports whether the order reached a full fill.
func (o Outcome) Filled() bool { return o.Status == broker.StatusFilled }

// Result summarizes a rebalance run.
type Result struct {
	RunID      string
	DryRun     bool
	TotalValue float64
	Outcomes   []Outcome
	Skips      []planner.Skip
	Succeeded  int
	Failed     int
}

// Engine orchestrates one rebalance run at a time.
type Engine struct {
	orders      OrderClient
	accounts    StateReader
	instruments InstrumentResolver
	prices      PriceSource
	planner     *planner.Planner
	journal     journal.Journal
	invoker     *invoke.Invoker
	opts        Options
	log         *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(orders OrderClient, accounts StateReader, instruments InstrumentResolver,
	prices PriceSource, pl *planner.Planner, jr journal.Journal,
	invoker *invoke.Invoker, opts Options, log *zap.Logger) *Engine {

	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		orders:      orders,
		accounts:    accounts,
		instruments: instruments,
		prices:      prices,
		planner:     pl,
		journal:     jr,
		invoker:     invoker,
		opts:        opts,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Run performs a full rebalance toward targets. Sells are executed first;
// the account is re-read before the buy pass so buys spend settled cash.
// A non-empty plan that fills nothing returns ErrNothingExecuted.
func (e *Engine) Run(ctx context.Context, targets broker.TargetAllocation) (*Result, error) {
	if err := targets.Validate(); err != nil {
		return nil, err
	}

	runID := id.New()
	log := e.log.With(zap.String("run_id", runID))

	snap, err := e.accounts.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	quotes := e.prices.ResolveAll(ctx, universe(snap.Positions, targets))
	plan := e.planner.Plan(snap.Positions, targets, snap.BuyingPower(e.opts.Currency), priceMap(quotes))

	res := &Result{
		RunID:      runID,
		DryRun:     e.opts.DryRun,
		TotalValue: plan.TotalValue,
		Skips:      plan.Skips,
	}
	for _, s := range plan.Skips {
		e.record(runID, broker.Trade{Symbol: s.Symbol}, "SKIPPED", s.Reason)
	}

	log.Info("plan computed",
		zap.Float64("total_value", plan.TotalValue),
		zap.Int("sells", len(plan.Sells())),
		zap.Int("buys", len(plan.Buys())),
		zap.Int("skips", len(plan.Skips)))

	if e.opts.DryRun {
		for _, t := range plan.Trades {
			res.Outcomes = append(res.Outcomes, Outcome{Trade: t, Status: "PLANNED"})
			e.record(runID, t, "PLANNED", "")
			metrics.IncOrder("dry_run", string(t.Side))
		}
		return res, nil
	}

	e.cancelOpenOrders(ctx, log)

	sells := plan.Sells()
	for _, t := range sells {
		out := e.execute(ctx, runID, t)
		res.add(out)
	}

	if len(sells) > 0 {
		if res.Succeeded == 0 {
			log.Warn("all sells failed, skipping buy pass")
			for _, t := range plan.Buys() {
				out := Outcome{Trade: t, Status: "SKIPPED", Reason: "sell phase failed"}
				res.Outcomes = append(res.Outcomes, out)
				e.record(runID, t, "SKIPPED", out.Reason)
				metrics.IncSkip(out.Reason)
			}
			return res, ErrNothingExecuted
		}

		// Sold value needs to land in buying power before we spend it.
		snap, err = e.accounts.Snapshot(ctx)
		if err != nil {
			return res, err
		}
	}

	remaining := snap.BuyingPower(e.opts.Currency)
	for _, t := range plan.Buys() {
		qty := t.Quantity
		if t.Price > 0 {
			if affordable := int64(remaining / t.Price); affordable < qty {
				qty = affordable
			}
		}
		if qty <= 0 {
			out := Outcome{Trade: t, Status: "SKIPPED", Reason: planner.ReasonInsufficientFunds}
			res.Outcomes = append(res.Outcomes, out)
			e.record(runID, t, "SKIPPED", out.Reason)
			metrics.IncSkip(out.Reason)
			continue
		}
		t.Quantity = qty
		t.Value = float64(qty) * t.Price

		out := e.execute(ctx, runID, t)
		res.add(out)
		if out.Filled() {
			remaining -= t.Value
		}
	}

	if len(plan.Trades) > 0 && res.Succeeded == 0 {
		return res, ErrNothingExecuted
	}
	return res, nil
}

func (r *Result) add(out Outcome) {
	r.Outcomes = append(r.Outcomes, out)
	if out.Filled() {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

// execute submits one trade and follows it to a terminal status. The
// client order ID is minted once per trade and survives the one permitted
// resubmission after a stale instrument ID.
func (e *Engine) execute(ctx context.Context, runID string, t broker.Trade) Outcome {
	t.ClientOrderID = newClientOrderID()
	log := e.log.With(
		zap.String("run_id", runID),
		zap.String("symbol", t.Symbol),
		zap.String("side", string(t.Side)),
		zap.Int64("quantity", t.Quantity))

	out := e.submit(ctx, t, false, log)
	e.record(runID, t, string(out.Status), out.Reason)
	metrics.IncOrder("live", string(t.Side))
	return out
}

func (e *Engine) submit(ctx context.Context, t broker.Trade, resubmitted bool, log *zap.Logger) Outcome {
	instrumentID, err := e.instruments.Resolve(ctx, t.Symbol)
	if err != nil {
		return Outcome{Trade: t, Status: broker.StatusRejected, Reason: fmt.Sprintf("instrument: %v", err)}
	}

	req := e.orderRequest(t, instrumentID)
	res, err := e.invoker.Invoke(ctx, "place_order", func(ctx context.Context) (*invoke.Result, error) {
		return e.orders.PlaceOrder(ctx, req)
	})
	if err != nil {
		return Outcome{Trade: t, Status: broker.StatusRejected, Reason: err.Error()}
	}

	if !res.OK() {
		code := errorCode(res.Body)
		switch {
		case res.Status == 417 && code == codeInvalidInstrumentID && !resubmitted:
			// The cached instrument ID went stale. Re-resolve once and
			// resubmit with the same client order ID.
			log.Warn("stale instrument id, re-resolving", zap.String("instrument_id", instrumentID))
			e.instruments.Invalidate(t.Symbol)
			return e.submit(ctx, t, true, log)
		case res.Status == 417 && code == codeInsufficientBuyingPower:
			return Outcome{Trade: t, Status: broker.StatusRejected, Reason: planner.ReasonInsufficientFunds}
		default:
			return Outcome{Trade: t, Status: broker.StatusRejected,
				Reason: fmt.Sprintf("http %d: %s", res.Status, code)}
		}
	}

	orderID := orderIDFrom(res.Body)
	if orderID == "" {
		return Outcome{Trade: t, Status: broker.StatusRejected, Reason: "no order id in response"}
	}

	status := e.await(ctx, orderID, log)
	return Outcome{Trade: t, Status: status, OrderID: orderID}
}

// await polls the order until the broker reports a terminal status or the
// order timeout elapses, in which case the outcome is TIMEOUT.
func (e *Engine) await(ctx context.Context, orderID string, log *zap.Logger) broker.OrderStatus {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()

	for {
		res, err := e.invoker.Invoke(ctx, "get_order_detail", func(ctx context.Context) (*invoke.Result, error) {
			return e.orders.GetOrderDetail(ctx, orderID)
		})
		if err == nil && res.OK() {
			if st := statusFrom(res.Body); st.Terminal() {
				return st
			}
		}

		if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
			log.Warn("order did not settle before timeout", zap.String("order_id", orderID))
			return broker.StatusTimeout
		}
	}
}

// cancelOpenOrders clears pre-existing open orders so they cannot consume
// buying power mid-run. Failures are logged and ignored.
func (e *Engine) cancelOpenOrders(ctx context.Context, log *zap.Logger) {
	res, err := e.invoker.Invoke(ctx, "get_open_orders", func(ctx context.Context) (*invoke.Result, error) {
		return e.orders.GetOpenOrders(ctx)
	})
	if err != nil || !res.OK() {
		log.Warn("could not list open orders", zap.Error(err))
		return
	}

	env, err := webull.Decode(res.Body)
	if err != nil {
		return
	}
	for _, obj := range env.List() {
		orderID := webull.Str(obj, "order_id")
		if orderID == "" {
			orderID = webull.Str(obj, "id")
		}
		if orderID == "" {
			continue
		}
		log.Info("cancelling open order", zap.String("order_id", orderID))
		_, err := e.invoker.Invoke(ctx, "cancel_order", func(ctx context.Context) (*invoke.Result, error) {
			return e.orders.CancelOrder(ctx, orderID)
		})
		if err != nil {
			log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

func (e *Engine) orderRequest(t broker.Trade, instrumentID string) webull.OrderRequest {
	limit := t.Price * (1 + limitOffset)
	if t.Side == broker.Sell {
		limit = t.Price * (1 - limitOffset)
	}

	return webull.OrderRequest{
		ClientOrderID:         t.ClientOrderID,
		Symbol:                t.Symbol,
		InstrumentID:          instrumentID,
		InstrumentType:        "EQUITY",
		Market:                "US",
		OrderType:             "LIMIT",
		LimitPrice:            strconv.FormatFloat(limit, 'f', 2, 64),
		Quantity:              strconv.FormatInt(t.Quantity, 10),
		SupportTradingSession: "N",
		Side:                  string(t.Side),
		TimeInForce:           "DAY",
		EntrustType:           "QTY",
		AccountTaxType:        "GENERAL",
	}
}

func (e *Engine) record(runID string, t broker.Trade, status, reason string) {
	if e.journal == nil {
		return
	}
	err := e.journal.Record(journal.TradeRecord{
		ID:            id.New(),
		RunID:         runID,
		Time:          time.Now().UTC(),
		Symbol:        t.Symbol,
		Side:          t.Side,
		Quantity:      t.Quantity,
		Price:         t.Price,
		Value:         t.Value,
		Status:        status,
		Reason:        reason,
		ClientOrderID: t.ClientOrderID,
	})
	if err != nil {
		e.log.Warn("journal write failed", zap.Error(err))
	}
}

// newClientOrderID returns a 32-char lowercase hex idempotency key.
func newClientOrderID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func universe(positions []broker.Position, targets broker.TargetAllocation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	for _, t := range targets {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

func priceMap(quotes map[string]market.Quote) map[string]float64 {
	out := make(map[string]float64, len(quotes))
	for sym, q := range quotes {
		out[sym] = q.Price
	}
	return out
}

// errorCode digs the broker's error code out of a failure body. The API
// is inconsistent about the field name.
func errorCode(body []byte) string {
	env, err := webull.Decode(body)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	obj := env.Object()
	for _, key := range []string{"error_code", "code", "msg", "message"} {
		if v := webull.Str(obj, key); v != "" {
			return v
		}
	}
	return ""
}

func orderIDFrom(body []byte) string {
	env, err := webull.Decode(body)
	if err != nil {
		return ""
	}
	obj := env.Object()
	for _, key := range []string{"order_id", "id", "client_order_id"} {
		if v := webull.Str(obj, key); v != "" {
			return v
		}
	}
	return ""
}

func statusFrom(body []byte) broker.OrderStatus {
	env, err := webull.Decode(body)
	if err != nil {
		return ""
	}
	obj := env.Object()
	for _, key := range []string{"status", "order_status", "state"} {
		if v := webull.Str(obj, key); v != "" {
			return broker.OrderStatus(strings.ToUpper(v))
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
