// Package metrics registers the Prometheus series the rebalancer updates
// while running:
//
//	rebalancer_api_retries_total{operation}  – retries after 429/5xx/transport failures
//	rebalancer_api_errors_total{operation}   – calls that exhausted their retry budget
//	rebalancer_orders_total{mode,side}       – orders submitted (mode: dry_run|live)
//	rebalancer_trades_skipped_total{reason}  – planned trades dropped with a reason
//	rebalancer_portfolio_value_usd           – total portfolio value at planning time
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	apiRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_api_retries_total",
			Help: "API call retries by operation",
		},
		[]string{"operation"},
	)

	apiErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_api_errors_total",
			Help: "API calls that exhausted their retry budget",
		},
		[]string{"operation"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_orders_total",
			Help: "Orders submitted",
		},
		[]string{"mode", "side"},
	)

	skips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_trades_skipped_total",
			Help: "Planned trades skipped, by reason",
		},
		[]string{"reason"},
	)

	portfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_portfolio_value_usd",
			Help: "Total portfolio value at planning time",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRetries, apiErrors, orders, skips, portfolioValue)
}

func IncRetry(operation string)    { apiRetries.WithLabelValues(operation).Inc() }
func IncAPIError(operation string) { apiErrors.WithLabelValues(operation).Inc() }
func IncOrder(mode, side string)   { orders.WithLabelValues(mode, side).Inc() }
func IncSkip(reason string)        { skips.WithLabelValues(reason).Inc() }
func SetPortfolioValue(v float64)  { portfolioValue.Set(v) }
