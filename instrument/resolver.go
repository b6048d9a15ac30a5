// Package instrument resolves ticker symbols to the broker's internal
// instrument identifiers.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// ErrNotFound means no category yielded an identifier for the symbol.
var ErrNotFound = errors.New("instrument not found")

// Lookup is the slice of the broker API the resolver needs.
type Lookup interface {
	GetInstrument(ctx context.Context, symbol, category string) (*invoke.Result, error)
}

// PositionSource optionally supplies holdings whose rows already carry
// instrument ids, used as a last resort when the lookup endpoint misses.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.Position, error)
}

// Resolver caches symbol → instrument id for the process lifetime. Lookups
// try the fund category first and fall back to equity only when the first
// category comes back empty or non-200; both are never queried
// unconditionally. The category that worked is not remembered — the cache is
// keyed by symbol alone.
type Resolver struct {
	lookup     Lookup
	invoker    *invoke.Invoker
	positions  PositionSource // may be nil
	categories []string
	log        *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func NewResolver(lookup Lookup, invoker *invoke.Invoker, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		lookup:     lookup,
		invoker:    invoker,
		categories: []string{webull.CategoryETF, webull.CategoryStock},
		log:        log,
		cache:      make(map[string]string),
	}
}

// WithPositions wires an optional position-derived fallback.
func (r *Resolver) WithPositions(src PositionSource) *Resolver {
	r.positions = src
	return r
}

// Resolve returns the instrument id for symbol, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (string, error) {
	r.mu.Lock()
	if id, ok := r.cache[symbol]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	for _, category := range r.categories {
		id, err := r.lookupCategory(ctx, symbol, category)
		if err != nil {
			return "", err
		}
		if id != "" {
			r.store(symbol, id)
			r.log.Debug("instrument resolved",
				zap.String("symbol", symbol),
				zap.String("category", category),
				zap.String("instrument_id", id))
			return id, nil
		}
	}

	if r.positions != nil {
		if id := r.fromPositions(ctx, symbol); id != "" {
			r.store(symbol, id)
			return id, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, symbol)
}

// Invalidate drops the cached id for symbol. Callers do this on a broker
// error indicating a stale identifier, then re-resolve exactly once.
func (r *Resolver) Invalidate(symbol string) {
	r.mu.Lock()
	delete(r.cache, symbol)
	r.mu.Unlock()
}

func (r *Resolver) store(symbol, id string) {
	r.mu.Lock()
	r.cache[symbol] = id
	r.mu.Unlock()
}

// lookupCategory queries one category. A non-200 or empty result is a miss,
// not an error, so the next category gets its turn; only context failures
// propagate.
func (r *Resolver) lookupCategory(ctx context.Context, symbol, category string) (string, error) {
	op := "get_instrument_" + category
	res, err := r.invoker.Invoke(ctx, op, func(ctx context.Context) (*invoke.Result, error) {
		return r.lookup.GetInstrument(ctx, symbol, category)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", nil
	}
	if !res.OK() {
		return "", nil
	}

	env, err := webull.Decode(res.Body)
	if err != nil {
		return "", nil
	}
	for _, row := range env.List() {
		// multi-row payloads may include near matches; insist on the symbol
		if s := webull.Str(row, "symbol"); s != "" && s != symbol {
			continue
		}
		if id := webull.Str(row, "instrument_id"); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (r *Resolver) fromPositions(ctx context.Context, symbol string) string {
	positions, err := r.positions.Positions(ctx)
	if err != nil {
		return ""
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.InstrumentID != "" {
			return p.InstrumentID
		}
	}
	return ""
}
