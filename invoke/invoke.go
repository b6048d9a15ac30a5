// Package invoke wraps remote broker calls with per-operation rate limiting
// and retry/backoff. It owns no business logic: it hands the last response
// (or transport error) back to the caller, who decides whether a failed
// result is fatal.
package invoke

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/metrics"
)

// Result is a response-like value from a single remote request.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the call returned HTTP 200.
func (r *Result) OK() bool { return r != nil && r.Status == http.StatusOK }

// Call performs exactly one remote request.
type Call func(ctx context.Context) (*Result, error)

// Policy tunes retry and throttle behavior. Applied per named operation.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	DefaultInterval time.Duration
	// MinInterval overrides DefaultInterval for specific operations.
	// Order placement is riskier than reads and gets a wider gap.
	MinInterval map[string]time.Duration
}

// DefaultPolicy matches the broker's published limits: 3 retries, 1s base
// delay, 1s between calls to the same operation, 3s between order placements.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		DefaultInterval: time.Second,
		MinInterval: map[string]time.Duration{
			"place_order": 3 * time.Second,
		},
	}
}

// retryable HTTP statuses: rate limit plus the transient 5xx family.
var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const maxBackoff = 60 * time.Second

// Invoker throttles and retries calls keyed by operation name. One Invoker
// is scoped to one engine instance; all state lives behind its mutex so
// parallel resolvers can share it.
type Invoker struct {
	policy Policy
	log    *zap.Logger

	mu       sync.Mutex
	lastCall map[string]time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New returns an Invoker with the given policy. A nil logger is replaced
// with a no-op one.
func New(policy Policy, log *zap.Logger) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.DefaultInterval <= 0 {
		policy.DefaultInterval = time.Second
	}
	return &Invoker{
		policy:   policy,
		log:      log,
		lastCall: make(map[string]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invoke runs call under the operation's throttle and retry policy.
//
// Retryable failures (transport errors and 429/5xx statuses) are retried up
// to MaxRetries times with exponential backoff; the last result or error is
// returned rather than escalated. Any other status returns immediately, and
// context cancellation aborts all waits.
func (inv *Invoker) Invoke(ctx context.Context, operation string, call Call) (*Result, error) {
	var (
		res *Result
		err error
	)
	for attempt := 0; ; attempt++ {
		if werr := inv.throttle(ctx, operation); werr != nil {
			return res, werr
		}

		res, err = call(ctx)
		if err == nil && !retryStatus[res.Status] {
			return res, nil
		}
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return res, err
		}

		if attempt >= inv.policy.MaxRetries {
			metrics.IncAPIError(operation)
			if err != nil {
				inv.log.Error("call failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1),
					zap.Error(err))
				return nil, err
			}
			inv.log.Error("call failed after retries",
				zap.String("operation", operation),
				zap.Int("attempts", attempt+1),
				zap.Int("status", res.Status))
			return res, nil
		}

		delay := inv.backoff(attempt, res)
		metrics.IncRetry(operation)
		inv.log.Warn("retrying call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		if werr := inv.sleep(ctx, delay); werr != nil {
			return res, werr
		}
	}
}

// throttle blocks until the operation's minimum inter-call interval has
// elapsed, then stamps the call time.
func (inv *Invoker) throttle(ctx context.Context, operation string) error {
	inv.mu.Lock()
	interval := inv.policy.DefaultInterval
	if d, ok := inv.policy.MinInterval[operation]; ok {
		interval = d
	}
	now := inv.now()
	wait := time.Duration(0)
	if last, ok := inv.lastCall[operation]; ok {
		if elapsed := now.Sub(last); elapsed < interval {
			wait = interval - elapsed
		}
	}
	inv.lastCall[operation] = now.Add(wait)
	inv.mu.Unlock()

	return inv.sleep(ctx, wait)
}

// backoff computes base*2^attempt, floors it at any Retry-After the response
// carries, applies ±25% jitter and caps the result at 60s.
func (inv *Invoker) backoff(attempt int, res *Result) time.Duration {
	delay := inv.policy.BaseDelay << uint(attempt)
	if res != nil {
		if ra := retryAfter(res.Header); ra > delay {
			delay = ra
		}
	}
	delay = time.Duration(float64(delay) * (1 + (inv.jitter()-0.5)*0.5))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
