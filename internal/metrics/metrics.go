// Package metrics exposes the engine's Prometheus instrumentation:
//   - engine_order_submit_seconds        – broker place-order round trip
//   - engine_ticks_total{symbol}         – trade prints ingested
//   - engine_candles_closed_total{symbol} – candles promoted to the buffer
//   - engine_setups_detected_total{strategy,pattern} – entry signals emitted
//   - engine_setup_queue_depth           – setups waiting for dispatch
//   - engine_setups_dropped_total        – setups dropped by backpressure
//   - engine_breaker_state{name}         – 0 closed, 1 half-open, 2 open
//   - engine_strategy_failures_total{strategy} – checkStrategy errors
//
// Registered in init() and served at /metrics by the API server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mercerlabs/futures-engine/internal/breaker"
)

var (
	orderSubmitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_order_submit_seconds",
			Help:    "Broker place-order round-trip latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Trade prints ingested",
		},
		[]string{"symbol"},
	)

	candlesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_candles_closed_total",
			Help: "Candles promoted to the per-symbol buffer",
		},
		[]string{"symbol"},
	)

	setupsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_setups_detected_total",
			Help: "Entry setups detected",
		},
		[]string{"strategy", "pattern"},
	)

	setupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_setup_queue_depth",
			Help: "Setups waiting for the queue dispatcher",
		},
	)

	setupsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_setups_dropped_total",
			Help: "Setups dropped because the queue was full",
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	strategyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_strategy_failures_total",
			Help: "Strategy check failures",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(
		orderSubmitLatency,
		ticksTotal,
		candlesClosedTotal,
		setupsDetectedTotal,
		setupQueueDepth,
		setupsDroppedTotal,
		breakerState,
		strategyFailuresTotal,
	)
}

// ObserveOrderSubmitLatency records one broker round trip.
func ObserveOrderSubmitLatency(d time.Duration) {
	orderSubmitLatency.Observe(d.Seconds())
}

// IncTick counts one ingested trade print.
func IncTick(symbol string) { ticksTotal.WithLabelValues(symbol).Inc() }

// IncCandleClosed counts one candle promotion.
func IncCandleClosed(symbol string) { candlesClosedTotal.WithLabelValues(symbol).Inc() }

// IncSetupDetected counts one detected setup.
func IncSetupDetected(strategy, pattern string) {
	setupsDetectedTotal.WithLabelValues(strategy, pattern).Inc()
}

// SetQueueDepth publishes the current setup queue depth.
func SetQueueDepth(n int) { setupQueueDepth.Set(float64(n)) }

// IncSetupDropped counts one setup rejected by queue backpressure.
func IncSetupDropped() { setupsDroppedTotal.Inc() }

// IncStrategyFailure counts one failed strategy check.
func IncStrategyFailure(strategy string) {
	strategyFailuresTotal.WithLabelValues(strategy).Inc()
}

// SetBreakerState publishes a breaker state change.
func SetBreakerState(name string, st breaker.State) {
	var v float64
	switch st {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}
