// Package broker defines the canonical account and order models shared by
// the rebalancing engine. Everything here is rebuilt from broker responses on
// each run; nothing is persisted except through the journal.
package broker

import "fmt"

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus is the broker-reported lifecycle state of a submitted order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	// StatusTimeout is assigned locally when an order never reaches a
	// terminal state within the monitoring window. It is not retried.
	StatusTimeout OrderStatus = "TIMEOUT"
)

// Terminal reports whether the order will not change state again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Balance is one currency's slice of the account.
type Balance struct {
	Currency     string
	CashBalance  float64
	BuyingPower  float64 // authoritative spendable figure
	UnrealizedPL float64
}

// Position is a holding in the current account snapshot. Snapshots are
// replaced wholesale on each refresh; positions are never mutated in place.
type Position struct {
	Symbol       string
	Quantity     int64
	CostPrice    float64
	MarketValue  float64
	InstrumentID string
}

// Price returns the per-share price implied by the position's market value,
// or 0 if it cannot be derived.
func (p Position) Price() float64 {
	if p.Quantity <= 0 || p.MarketValue <= 0 {
		return 0
	}
	return p.MarketValue / float64(p.Quantity)
}

// Trade is one planned order. ClientOrderID is assigned at submission time,
// once per logical trade; resubmissions of the same trade keep the same id so
// the broker can deduplicate.
type Trade struct {
	Symbol        string
	Side          Side
	Quantity      int64
	Price         float64 // estimated per-share price used for planning
	Value         float64 // Quantity * Price
	ClientOrderID string
}

func (t Trade) String() string {
	return fmt.Sprintf("%s %d %s @ %.2f", t.Side, t.Quantity, t.Symbol, t.Price)
}

// TargetEntry is one row of a target allocation. Order matters: the buy pass
// funds symbols in allocation order.
type TargetEntry struct {
	Symbol  string
	Percent float64
}

// TargetAllocation maps symbols to desired percentages of total portfolio
// value. Percentages summing to less than 100 leave the shortfall in cash.
type TargetAllocation []TargetEntry

// SumTolerance is how far from 100 the allocation percentages may sum.
const SumTolerance = 1.0

// Validate checks entry sanity and that percentages sum to ~100.
func (ta TargetAllocation) Validate() error {
	if len(ta) == 0 {
		return fmt.Errorf("target allocation is empty")
	}
	seen := make(map[string]bool, len(ta))
	sum := 0.0
	for _, e := range ta {
		if e.Symbol == "" {
			return fmt.Errorf("target allocation has an entry with no symbol")
		}
		if seen[e.Symbol] {
			return fmt.Errorf("duplicate symbol %s in target allocation", e.Symbol)
		}
		seen[e.Symbol] = true
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("%s: allocation %.2f%% out of range", e.Symbol, e.Percent)
		}
		sum += e.Percent
	}
	if sum < 100-SumTolerance || sum > 100+SumTolerance {
		return fmt.Errorf("allocation percentages sum to %.2f, want ~100", sum)
	}
	return nil
}

// Percent returns the allocation for symbol, or 0 if untargeted.
func (ta TargetAllocation) Percent(symbol string) float64 {
	for _, e := range ta {
		if e.Symbol == symbol {
			return e.Percent
		}
	}
	return 0
}

// Contains reports whether symbol appears in the allocation.
func (ta TargetAllocation) Contains(symbol string) bool {
	for _, e := range ta {
		if e.Symbol == symbol {
			return true
		}
	}
	return false
}

// Symbols returns the allocation's symbols in declaration order.
func (ta TargetAllocation) Symbols() []string {
	out := make([]string, 0, len(ta))
	for _, e := range ta {
		out = append(out, e.Symbol)
	}
	return out
}
