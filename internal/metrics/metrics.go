// Package metrics provides Prometheus instrumentation for the options engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by denomination
	// and whether the position is a follower copy.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"denomination", "copy"})

	// PositionsClosed counts terminal transitions by path and result.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_positions_closed_total",
		Help: "Total number of positions reaching a terminal state",
	}, []string{"path", "result"})

	// OpenRejections counts open requests rejected by validation, by reason.
	OpenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_open_rejections_total",
		Help: "Open requests rejected before a position was created",
	}, []string{"reason"})

	// SettlementLag tracks how late settlements run relative to expiry.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "options_settlement_lag_seconds",
		Help:    "Delay between position expiry and settlement",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// CopySkips counts followers skipped during fan-out.
	CopySkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_copy_skips_total",
		Help: "Followers skipped during copy fan-out",
	})

	// OracleQuotes counts price lookups by source (live, cache, fallback).
	OracleQuotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_oracle_quotes_total",
		Help: "Price oracle lookups by source",
	}, []string{"source"})

	// CommissionFailures counts commission credits that were swallowed.
	CommissionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_commission_failures_total",
		Help: "Referral commission credits that failed and were skipped",
	})

	// SweepSettled counts positions resolved by the expiry sweep.
	SweepSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_sweep_settled_total",
		Help: "Positions settled by the expiry sweep rather than a timer",
	})

	// PendingTimers tracks armed settlement timers.
	PendingTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_pending_timers",
		Help: "Number of armed settlement timers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_http_request_duration_seconds",
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
		// WrapResponseWriter keeps http.Hijacker visible for the websocket upgrade.
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps position ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(statusOf(wrapped))).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusOf reports 200 when the handler wrote a body without an explicit header.
func statusOf(w middleware.WrapResponseWriter) int {
	if w.Status() == 0 {
		return http.StatusOK
	}
	return w.Status()
}
