// Package metrics provides Prometheus instrumentation for the swapdesk service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swapdesk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OfferTransitionsTotal counts offer lifecycle transitions by resulting status.
	OfferTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Subsystem: "offers",
			Name:      "transitions_total",
			Help:      "Total offer status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// LedgerCallsTotal counts on-chain calls by operation and outcome.
	LedgerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Total trade contract calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// WatcherEventsTotal counts ledger events folded into offer state.
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Total ledger events observed by type.",
		},
		[]string{"type"},
	)

	// CorrelationFailuresTotal counts TradeCreated events that could not be
	// uniquely matched to an accepted offer.
	CorrelationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Subsystem: "watcher",
			Name:      "correlation_failures_total",
			Help:      "Trade events that failed offer correlation and were left unresolved.",
		},
	)

	// DepositsObservedTotal counts confirmed asset deposits.
	DepositsObservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swapdesk",
			Subsystem: "watcher",
			Name:      "deposits_observed_total",
			Help:      "Total confirmed asset deposits observed on the ledger.",
		},
	)

	// ActiveWebSocketClients tracks currently connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swapdesk",
			Subsystem: "realtime",
			Name:      "active_clients",
			Help:      "Currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OfferTransitionsTotal,
		LedgerCallsTotal,
		WatcherEventsTotal,
		CorrelationFailuresTotal,
		DepositsObservedTotal,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latencies.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
