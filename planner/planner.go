// Package planner turns (current positions, target allocation, available
// cash, prices) into an ordered, budget-respecting trade list.
package planner

import (
	"math"

	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/metrics"
)

// Mode selects the planning policy.
type Mode string

const (
	// ModeTotalValue is the canonical sell-then-buy policy: targets are
	// sized against total portfolio value and the buy pass is first-fit
	// against remaining cash.
	ModeTotalValue Mode = "total_value"
	// ModeThreshold trades each symbol independently, and only when its
	// deviation from target exceeds Threshold * targetValue.
	ModeThreshold Mode = "threshold"
)

// Skip reasons reported per symbol.
const (
	ReasonNoPrice           = "price unavailable"
	ReasonInsufficientFunds = "insufficient funds"
	ReasonBelowThreshold    = "within threshold"
)

// Skip records a symbol dropped from the plan and why.
type Skip struct {
	Symbol string
	Reason string
}

// Plan is the planner's output. Sells precede buys in Trades.
type Plan struct {
	Trades     []broker.Trade
	Skips      []Skip
	TotalValue float64
}

// Sells returns the sell-side trades in plan order.
func (p Plan) Sells() []broker.Trade { return p.bySide(broker.Sell) }

// Buys returns the buy-side trades in plan order.
func (p Plan) Buys() []broker.Trade { return p.bySide(broker.Buy) }

func (p Plan) bySide(side broker.Side) []broker.Trade {
	var out []broker.Trade
	for _, t := range p.Trades {
		if t.Side == side {
			out = append(out, t)
		}
	}
	return out
}

// Planner computes rebalancing trades. Quantities are always truncated
// toward zero, biasing plans toward under-buying rather than overspending.
type Planner struct {
	mode      Mode
	threshold float64
	log       *zap.Logger
}

func New(mode Mode, threshold float64, log *zap.Logger) *Planner {
	if mode == "" {
		mode = ModeTotalValue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{mode: mode, threshold: threshold, log: log}
}

// Plan computes the trade list. prices maps symbol to a strictly positive
// per-share price; symbols missing from it are skipped, never traded.
func (p *Planner) Plan(positions []broker.Position, targets broker.TargetAllocation,
	availableCash float64, prices map[string]float64) Plan {

	if p.mode == ModeThreshold {
		return p.planThreshold(positions, targets, availableCash, prices)
	}
	return p.planTotalValue(positions, targets, availableCash, prices)
}

func (p *Planner) planTotalValue(positions []broker.Position, targets broker.TargetAllocation,
	availableCash float64, prices map[string]float64) Plan {

	plan := Plan{}
	held := indexPositions(positions)
	unpriced := make(map[string]bool)

	// Total value counts only priceable holdings; an unpriced position can
	// neither be valued nor traded.
	totalValue := availableCash
	for _, pos := range positions {
		if price, ok := prices[pos.Symbol]; ok && price > 0 {
			totalValue += float64(pos.Quantity) * price
		}
	}
	plan.TotalValue = totalValue
	metrics.SetPortfolioValue(totalValue)

	// Sell pass: dispose of untargeted holdings entirely and trim
	// overweight ones down to target quantity. Sells are unconstrained by
	// cash — they only increase it.
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			plan.skip(pos.Symbol, ReasonNoPrice)
			unpriced[pos.Symbol] = true
			continue
		}
		sellQty := int64(0)
		if !targets.Contains(pos.Symbol) {
			sellQty = pos.Quantity
		} else {
			targetValue := totalValue * targets.Percent(pos.Symbol) / 100
			targetQty := floorQty(targetValue, price)
			if pos.Quantity > targetQty {
				sellQty = pos.Quantity - targetQty
			}
		}
		if sellQty > 0 {
			plan.add(broker.Trade{
				Symbol:   pos.Symbol,
				Side:     broker.Sell,
				Quantity: sellQty,
				Price:    price,
				Value:    float64(sellQty) * price,
			})
		}
	}

	// Buy pass: allocation order, first-fit against remaining cash. A
	// symbol that cannot afford one share is skipped; planning continues.
	remaining := availableCash
	for _, entry := range targets {
		price, ok := prices[entry.Symbol]
		if !ok || price <= 0 {
			if !unpriced[entry.Symbol] {
				plan.skip(entry.Symbol, ReasonNoPrice)
			}
			continue
		}
		targetValue := totalValue * entry.Percent / 100
		targetQty := floorQty(targetValue, price)

		currentQty := int64(0)
		if pos, ok := held[entry.Symbol]; ok {
			currentQty = pos.Quantity
		}
		needed := targetQty - currentQty
		if needed <= 0 {
			continue
		}

		cap := floorQty(remaining, price)
		qty := needed
		if cap < qty {
			qty = cap
		}
		if qty <= 0 {
			plan.skip(entry.Symbol, ReasonInsufficientFunds)
			continue
		}
		value := float64(qty) * price
		plan.add(broker.Trade{
			Symbol:   entry.Symbol,
			Side:     broker.Buy,
			Quantity: qty,
			Price:    price,
			Value:    value,
		})
		remaining -= value
		if qty < needed {
			p.log.Info("partial fill planned",
				zap.String("symbol", entry.Symbol),
				zap.Int64("planned", qty),
				zap.Int64("needed", needed))
		}
	}

	return plan
}

// planThreshold sizes each symbol against its own target independently and
// trades only when the deviation is material.
func (p *Planner) planThreshold(positions []broker.Position, targets broker.TargetAllocation,
	availableCash float64, prices map[string]float64) Plan {

	plan := Plan{}
	held := indexPositions(positions)

	totalValue := availableCash
	for _, pos := range positions {
		if price, ok := prices[pos.Symbol]; ok && price > 0 {
			totalValue += float64(pos.Quantity) * price
		}
	}
	plan.TotalValue = totalValue
	metrics.SetPortfolioValue(totalValue)

	for _, entry := range targets {
		price, ok := prices[entry.Symbol]
		if !ok || price <= 0 {
			plan.skip(entry.Symbol, ReasonNoPrice)
			continue
		}
		targetValue := totalValue * entry.Percent / 100

		currentQty := int64(0)
		if pos, ok := held[entry.Symbol]; ok {
			currentQty = pos.Quantity
		}
		currentValue := float64(currentQty) * price

		diff := targetValue - currentValue
		if math.Abs(diff) <= p.threshold*targetValue {
			plan.skip(entry.Symbol, ReasonBelowThreshold)
			continue
		}

		if diff > 0 {
			qty := floorQty(diff, price)
			if qty > 0 {
				plan.add(broker.Trade{
					Symbol:   entry.Symbol,
					Side:     broker.Buy,
					Quantity: qty,
					Price:    price,
					Value:    float64(qty) * price,
				})
			}
		} else {
			qty := floorQty(-diff, price)
			if qty > currentQty {
				qty = currentQty
			}
			if qty > 0 {
				plan.add(broker.Trade{
					Symbol:   entry.Symbol,
					Side:     broker.Sell,
					Quantity: qty,
					Price:    price,
					Value:    float64(qty) * price,
				})
			}
		}
	}

	return plan
}

func (p *Plan) add(t broker.Trade) {
	p.Trades = append(p.Trades, t)
}

func (p *Plan) skip(symbol, reason string) {
	p.Skips = append(p.Skips, Skip{Symbol: symbol, Reason: reason})
	metrics.IncSkip(reason)
}

// floorQty truncates value/price toward zero. Never rounds up.
func floorQty(value, price float64) int64 {
	if price <= 0 || value <= 0 {
		return 0
	}
	return int64(math.Floor(value / price))
}

func indexPositions(positions []broker.Position) map[string]broker.Position {
	out := make(map[string]broker.Position, len(positions))
	for _, pos := range positions {
		out[pos.Symbol] = pos
	}
	return out
}
