// Package market resolves symbols to prices through an ordered chain of
// providers with a time-bounded cache.
package market

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
)

// Quote is one resolved price with its provenance.
type Quote struct {
	Symbol string
	Price  float64
	Source string
	At     time.Time
}

// DefaultTTL bounds quote freshness. An expired quote is absent, never
// stale-but-usable.
const DefaultTTL = 60 * time.Second

// prefetchLimit bounds concurrent symbol resolution in ResolveAll.
const prefetchLimit = 4

// Resolver tries providers in order and caches the first strictly positive
// price. The cache and provider chain are scoped to one engine instance.
type Resolver struct {
	providers []Provider
	ttl       time.Duration
	log       *zap.Logger

	mu    sync.Mutex
	cache map[string]Quote

	now func() time.Time
}

// NewResolver builds the standard chain: broker snapshot, last price by
// instrument id, EOD bar, position-implied price, then the external public
// fallback. prefer moves a named provider to the front without removing the
// others — a non-preferred provider still runs when the preferred one fails.
func NewResolver(client QuoteClient, instruments InstrumentSource, positions PositionSource,
	invoker *invoke.Invoker, prefer string, ttl time.Duration, log *zap.Logger) *Resolver {

	providers := []Provider{
		&snapshotProvider{client: client, invoker: invoker},
		&lastPriceProvider{client: client, invoker: invoker, instruments: instruments},
		&eodProvider{client: client, invoker: invoker, instruments: instruments},
		&positionProvider{positions: positions},
		NewStooqProvider(invoker, ""),
	}
	return NewResolverWithProviders(providers, prefer, ttl, log)
}

// NewResolverWithProviders builds a resolver over an explicit chain.
func NewResolverWithProviders(providers []Provider, prefer string, ttl time.Duration, log *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	ordered := make([]Provider, len(providers))
	copy(ordered, providers)
	if prefer != "" && prefer != "auto" {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Name() == prefer && ordered[j].Name() != prefer
		})
	}
	return &Resolver{
		providers: ordered,
		ttl:       ttl,
		log:       log,
		cache:     make(map[string]Quote),
		now:       time.Now,
	}
}

// Resolve returns the symbol's price, or ok=false when every provider
// failed. Zero is never returned as a valid price.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (Quote, bool) {
	if q, ok := r.cached(symbol); ok {
		return q, true
	}

	for _, p := range r.providers {
		price, err := p.Fetch(ctx, symbol)
		if err != nil || price <= 0 {
			if err != nil {
				r.log.Debug("price provider miss",
					zap.String("symbol", symbol),
					zap.String("provider", p.Name()),
					zap.Error(err))
			}
			continue
		}
		q := Quote{Symbol: symbol, Price: price, Source: p.Name(), At: r.now()}
		r.store(q)
		r.log.Info("price resolved",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.String("source", p.Name()))
		return q, true
	}

	r.log.Warn("price unresolved", zap.String("symbol", symbol))
	return Quote{}, false
}

// ResolveAll resolves a set of symbols with bounded parallelism. Missing
// symbols are simply absent from the result; the caller records skips.
func (r *Resolver) ResolveAll(ctx context.Context, symbols []string) map[string]Quote {
	var mu sync.Mutex
	out := make(map[string]Quote, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchLimit)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if q, ok := r.Resolve(gctx, symbol); ok {
				mu.Lock()
				out[symbol] = q
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ClearCache drops all cached quotes, forcing fresh provider lookups.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]Quote)
	r.mu.Unlock()
}

func (r *Resolver) cached(symbol string) (Quote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.cache[symbol]
	if !ok {
		return Quote{}, false
	}
	if r.now().Sub(q.At) >= r.ttl {
		delete(r.cache, symbol)
		return Quote{}, false
	}
	return q, true
}

func (r *Resolver) store(q Quote) {
	r.mu.Lock()
	r.cache[q.Symbol] = q
	r.mu.Unlock()
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
