// Package metrics provides Prometheus instrumentation for the risk core.
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
	// OrderDecisions counts admission decisions by decision (place, clamp,
	// block) and reason.
	OrderDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_order_decisions_total",
		Help: "Order admission decisions",
	}, []string{"decision", "reason"})

	// OrderSubmitLatency tracks execution API latency by outcome.
	OrderSubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_order_submit_latency_seconds",
		Help:    "Execution API submission latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	// LockAttempts counts market lock attempts by result.
	LockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_market_lock_attempts_total",
		Help: "Market lock acquisition attempts",
	}, []string{"result"})

	// StaleLocksCleared counts locks force-cleared after exceeding max hold.
	StaleLocksCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_stale_locks_cleared_total",
		Help: "Market locks force-cleared after max hold time",
	})

	// LockHoldSeconds tracks how long market locks are held.
	LockHoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mm_market_lock_hold_seconds",
		Help:    "Market lock hold duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	})

	// InvariantViolations counts post-mutation invariant breaches.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_invariant_violations_total",
		Help: "Exposure invariant violations detected after a mutation",
	})

	// ReservationErrors counts reservation resolves that did not match the
	// ledger (double resolve or leak recovery).
	ReservationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_reservation_errors_total",
		Help: "Pending reservation resolve errors",
	}, []string{"op"})

	// FreezeTransitions counts one-sided freeze transitions.
	FreezeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_freeze_transitions_total",
		Help: "One-sided freeze transitions",
	}, []string{"transition"})

	// TradingMode is the current mode: 0 FULL, 1 HEDGE_ONLY, 2 HALTED.
	TradingMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_trading_mode",
		Help: "Trading mode (0=FULL, 1=HEDGE_ONLY, 2=HALTED)",
	})

	// KPIBreaches counts circuit breaker trips by KPI.
	KPIBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_kpi_breaches_total",
		Help: "KPI breaches that tripped the circuit breaker",
	}, []string{"kpi"})

	// EventsDropped counts events dropped because the sink buffer was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_events_dropped_total",
		Help: "Events dropped by the async sink",
	})

	// EventPublishErrors counts backend publish failures.
	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_event_publish_errors_total",
		Help: "Event backend publish failures",
	}, []string{"backend"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_http_request_duration_seconds",
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

		// Route pattern keeps market ids out of the label set.
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
