// Package metrics provides Prometheus instrumentation for the PnL engine.
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
	// RecomputesTotal counts recompute runs by outcome (ok, empty, error).
	RecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_recomputes_total",
		Help: "Total number of account recomputes",
	}, []string{"outcome"})

	// RecomputeDuration tracks end-to-end recompute latency, storage included.
	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pnl_recompute_duration_seconds",
		Help:    "Account recompute latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// EventsIngested counts raw events by outcome (inserted, duplicate, rejected).
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_events_ingested_total",
		Help: "Raw exchange events received",
	}, []string{"outcome"})

	// CoercedFields counts malformed numeric fields coerced to zero.
	CoercedFields = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_coerced_fields_total",
		Help: "Malformed numeric event fields coerced to zero",
	})

	// LedgerUnderflows counts reduce/sell fills clamped to the tracked size.
	LedgerUnderflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_ledger_underflows_total",
		Help: "Fills clamped by the ledger underflow policy",
	}, []string{"market"})

	// LeverageFallbacks counts trades that used the default leverage.
	LeverageFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_leverage_fallbacks_total",
		Help: "Closed trades estimated with the default leverage",
	})

	// SkippedCloses counts reductions with no recorded entry time.
	SkippedCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_skipped_closes_total",
		Help: "Position reductions skipped for trade boundaries",
	})

	// ClosedTrades counts closed trades written by recomputes.
	ClosedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_closed_trades_total",
		Help: "Closed trades produced by recomputes",
	})

	// DirtyAccounts tracks accounts waiting for a scheduled recompute.
	DirtyAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_dirty_accounts",
		Help: "Accounts waiting for a scheduled recompute",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
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

		// Route pattern keeps account ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
