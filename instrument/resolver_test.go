package instrument

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

type fakeLookup struct {
	responses map[string]*invoke.Result // keyed by category
	calls     []string                  // categories queried, in order
}

func (f *fakeLookup) GetInstrument(ctx context.Context, symbol, category string) (*invoke.Result, error) {
	f.calls = append(f.calls, category)
	if res, ok := f.responses[category]; ok {
		return res, nil
	}
	return &invoke.Result{Status: 200, Body: []byte(`[]`)}, nil
}

type fakePositions struct {
	positions []broker.Position
}

func (f *fakePositions) Positions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}

func testInvoker() *invoke.Invoker {
	return invoke.New(invoke.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, DefaultInterval: time.Nanosecond}, zap.NewNop())
}

func ok(body string) *invoke.Result {
	return &invoke.Result{Status: 200, Body: []byte(body)}
}

func TestResolveFundCategoryFirst(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{responses: map[string]*invoke.Result{
		webull.CategoryETF: ok(`[{"symbol":"SPY","instrument_id":"913243251"}]`),
	}}
	r := NewResolver(lk, testInvoker(), zap.NewNop())

	id, err := r.Resolve(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, "913243251", id)
	// equity category never queried when the fund lookup hits
	assert.Equal(t, []string{webull.CategoryETF}, lk.calls)
}

func TestResolveFallsBackToEquity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fundRes *invoke.Result
	}{
		{"empty fund result", ok(`[]`)},
		{"non-200 fund result", &invoke.Result{Status: 404, Body: []byte(`{}`)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lk := &fakeLookup{responses: map[string]*invoke.Result{
				webull.CategoryETF:   tt.fundRes,
				webull.CategoryStock: ok(`{"data":[{"symbol":"AAPL","instrument_id":"913256135"}]}`),
			}}
			r := NewResolver(lk, testInvoker(), zap.NewNop())

			id, err := r.Resolve(context.Background(), "AAPL")
			require.NoError(t, err)
			assert.Equal(t, "913256135", id)
			assert.Equal(t, []string{webull.CategoryETF, webull.CategoryStock}, lk.calls)
		})
	}
}

func TestResolveCachesBySymbol(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{responses: map[string]*invoke.Result{
		webull.CategoryStock: ok(`[{"symbol":"AAPL","instrument_id":"913256135"}]`),
	}}
	r := NewResolver(lk, testInvoker(), zap.NewNop())

	_, err := r.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	queried := len(lk.calls)

	id, err := r.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "913256135", id)
	assert.Len(t, lk.calls, queried) // no further lookups
}

func TestInvalidateForcesReResolve(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{responses: map[string]*invoke.Result{
		webull.CategoryETF: ok(`[{"symbol":"GLD","instrument_id":"913244089"}]`),
	}}
	r := NewResolver(lk, testInvoker(), zap.NewNop())

	_, err := r.Resolve(context.Background(), "GLD")
	require.NoError(t, err)
	first := len(lk.calls)

	r.Invalidate("GLD")

	id, err := r.Resolve(context.Background(), "GLD")
	require.NoError(t, err)
	assert.Equal(t, "913244089", id)
	assert.Greater(t, len(lk.calls), first)
}

func TestResolveSymbolMismatchRejected(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{responses: map[string]*invoke.Result{
		webull.CategoryETF:   ok(`[{"symbol":"AAPL","instrument_id":"913256135"}]`),
		webull.CategoryStock: ok(`[{"symbol":"AAPL","instrument_id":"913256135"}]`),
	}}
	r := NewResolver(lk, testInvoker(), zap.NewNop())

	_, err := r.Resolve(context.Background(), "AAON")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePositionsFallback(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{}
	src := &fakePositions{positions: []broker.Position{
		{Symbol: "TQQQ", Quantity: 4, InstrumentID: "913732468"},
	}}
	r := NewResolver(lk, testInvoker(), zap.NewNop()).WithPositions(src)

	id, err := r.Resolve(context.Background(), "TQQQ")
	require.NoError(t, err)
	assert.Equal(t, "913732468", id)
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	r := NewResolver(&fakeLookup{}, testInvoker(), zap.NewNop())
	_, err := r.Resolve(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}
