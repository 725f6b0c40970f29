// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trade attempts by direction and outcome
	// ("ok" or the rejection reason).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Trade attempts by direction and outcome",
	}, []string{"direction", "outcome"})

	// TradeLatency tracks time spent inside the engine, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeNotional accumulates quantity*price of committed trades.
	TradeNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_notional_total",
		Help: "Cumulative notional of committed trades in quote currency",
	}, []string{"direction"})

	// OracleRequests counts price feed calls by operation and result.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_oracle_requests_total",
		Help: "Price feed requests by operation and result",
	}, []string{"op", "result"})

	// QuoteCacheHits counts cached quote lookups by freshness.
	QuoteCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quote_cache_hits_total",
		Help: "Quote cache hits by kind (fresh, stale)",
	}, []string{"kind"})

	// PositionDrift counts positions found different from their replayed log.
	PositionDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_position_drift_total",
		Help: "Positions that differed from the replayed transaction log",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so asset and account ids do
// not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack supports the WebSocket upgrade through this wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
