// Package metrics registers the Prometheus metrics the bot updates.
//
// Exposes the primary metrics the bot updates during operation:
//   - gridbot_orders_total{side}: orders placed
//   - gridbot_fills_total{side}: fills reconciled, full or partial
//   - gridbot_cancels_total: buy orders canceled after a sell
//   - gridbot_replaces_total: sell orders replaced
//   - gridbot_api_errors_total{op}: transient brokerage call failures
//   - gridbot_available_balance{symbol}: reserved cash per ticker
//   - gridbot_stock_owned{symbol}: shares held per ticker
//   - gridbot_cycles_total: completed coordinator cycles
//
// Registered in init() and served by the HTTP handler the cmd wires at
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_total",
			Help: "Orders placed",
		},
		[]string{"side"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Order fills reconciled, full or partial",
		},
		[]string{"side"},
	)

	Cancels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbot_cancels_total",
			Help: "Buy orders canceled after a completed sell",
		},
	)

	Replaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbot_replaces_total",
			Help: "Sell orders replaced after the average buy moved",
		},
	)

	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_api_errors_total",
			Help: "Transient brokerage API failures",
		},
		[]string{"op"},
	)

	AvailableBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_available_balance",
			Help: "Cash reserved for a ticker",
		},
		[]string{"symbol"},
	)

	StockOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_stock_owned",
			Help: "Shares currently held for a ticker",
		},
		[]string{"symbol"},
	)

	Cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbot_cycles_total",
			Help: "Completed coordinator cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		Fills,
		Cancels,
		Replaces,
		APIErrors,
		AvailableBalance,
		StockOwned,
		Cycles,
	)
}

// Handler serves the registered metrics in Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
