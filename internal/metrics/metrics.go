// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
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
	// PositionsOpened counts accepted opens, partitioned by product kind.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"kind"})

	// OpenRejections counts opens refused at validation, by reason.
	OpenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_open_rejections_total",
		Help: "Position opens rejected before any ledger mutation",
	}, []string{"kind", "reason"})

	// SettlementsTotal counts settled positions by kind and outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_settlements_total",
		Help: "Total number of positions settled",
	}, []string{"kind", "outcome"})

	// SettleLatency is the time spent persisting one settlement, retries included.
	SettleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_settle_latency_seconds",
		Help:    "Settlement persistence latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SettleFailures counts settlements that exhausted their retries.
	SettleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_settle_failures_total",
		Help: "Settlements that failed and were left for the next tick",
	}, []string{"kind"})

	// DuplicateSettles counts settle attempts that found the position already terminal.
	DuplicateSettles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_duplicate_settles_total",
		Help: "Settle attempts that were no-ops because the position was already settled",
	})

	// OpenPositions tracks positions currently monitored by the engine.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_open_positions",
		Help: "Number of positions currently monitored",
	})

	// EvaluationDuration is the wall time of one evaluation pass.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_evaluation_duration_seconds",
		Help:    "Duration of one evaluation pass in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// InstrumentPrice is the latest synthetic price per instrument.
	InstrumentPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_instrument_price",
		Help: "Latest synthetic price per instrument",
	}, []string{"instrument"})

	// ExposureLimitRejections counts opens rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_exposure_limit_rejections_total",
		Help: "Opens rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
