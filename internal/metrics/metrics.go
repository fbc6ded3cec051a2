// Package metrics provides Prometheus instrumentation for the curve engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by side and source
	// (instant curve vs order book).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ignite_trades_total",
		Help: "Total number of trades committed",
	}, []string{"side", "source"})

	// TradeLatency is end-to-end instant-trade latency including the
	// ledger confirmation wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ignite_trade_latency_seconds",
		Help:    "Instant trade execution latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
	}, []string{"side"})

	// LedgerSubmissions counts transfers submitted to the chain.
	LedgerSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ignite_ledger_submissions_total",
		Help: "Total ledger transfer submissions",
	})

	// LedgerConfirmation tracks how long confirmation waits take.
	LedgerConfirmation = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ignite_ledger_confirmation_seconds",
		Help:    "Ledger confirmation wait duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	// RollbacksTotal counts successful compensations.
	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ignite_rollbacks_total",
		Help: "Trades rolled back after ledger failure or timeout",
	})

	// RollbacksFailed counts compensations that themselves failed — each
	// one is an unrecoverable inconsistency requiring an operator.
	RollbacksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ignite_rollbacks_failed_total",
		Help: "Rollbacks that failed and raised a critical alert",
	})

	// IdempotencyHits counts requests answered from the idempotency cache.
	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ignite_idempotency_hits_total",
		Help: "Mutating requests deduplicated by idempotency key",
	})

	// OrderFills counts order-book fills.
	OrderFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ignite_order_fills_total",
		Help: "Limit order fills produced by the matching engine",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ignite_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ignite_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ignite_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
