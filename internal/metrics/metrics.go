// Package metrics exposes the bot's Prometheus series:
//
//	trendbot_cycles_total{result}      cycles by result (hold, filled, adopted, skipped, error)
//	trendbot_orders_total{side,status} orders by side and outcome
//	trendbot_errors_total{kind}        errors by kind (feed, constraint, broker, guard, reconcile)
//	trendbot_trend                     stored trend: 1 bullish, -1 bearish, 0 unknown
//	trendbot_balance                   uninvested quote currency
//	trendbot_position                  base asset held
//	trendbot_drift_total               drift checks that disagreed with the broker
package metrics

import (
	"net/http"

	"trendbot/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendbot_cycles_total",
			Help: "Polling cycles by result",
		},
		[]string{"result"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendbot_orders_total",
			Help: "Orders by side and outcome",
		},
		[]string{"side", "status"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendbot_errors_total",
			Help: "Errors by kind",
		},
		[]string{"kind"},
	)

	trend = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendbot_trend",
			Help: "Stored trend (1 bullish, -1 bearish, 0 unknown)",
		},
	)

	balance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendbot_balance",
			Help: "Uninvested quote currency",
		},
	)

	position = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendbot_position",
			Help: "Base asset held",
		},
	)

	drift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trendbot_drift_total",
			Help: "Drift checks where the ledger disagreed with the broker",
		},
	)
)

func init() {
	prometheus.MustRegister(cycles, orders, errorsTotal, trend, balance, position, drift)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Cycle(result string) { cycles.WithLabelValues(result).Inc() }

func Order(side, status string) { orders.WithLabelValues(side, status).Inc() }

func Error(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

func Drift() { drift.Inc() }

func Ledger(t strategy.Trend, bal, pos float64) {
	switch t {
	case strategy.Bullish:
		trend.Set(1)
	case strategy.Bearish:
		trend.Set(-1)
	default:
		trend.Set(0)
	}
	balance.Set(bal)
	position.Set(pos)
}
