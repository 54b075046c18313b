package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valuation_portal",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "valuation_portal",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valuation_portal",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "valuation_portal",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time until a ledger operation returned a receipt or error.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"kind"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valuation_portal",
			Subsystem: "valuation",
			Name:      "transitions_total",
			Help:      "Valuation request transitions by target status and outcome.",
		},
		[]string{"to", "outcome"},
	)

	pointsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valuation_portal",
			Subsystem: "gamification",
			Name:      "points_awarded_total",
			Help:      "Points awarded by action.",
		},
		[]string{"action"},
	)

	notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valuation_portal",
			Subsystem: "notifications",
			Name:      "publish_failures_total",
			Help:      "Notification publish failures by publisher.",
		},
		[]string{"publisher"},
	)

	degradedTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "valuation_portal",
			Subsystem: "tokenization",
			Name:      "degraded_share_tokens",
			Help:      "Share tokens waiting for their metadata message, as seen by the last reconcile run.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		ledgerOperations,
		ledgerDuration,
		transitions,
		pointsAwarded,
		notificationFailures,
		degradedTokens,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency per route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordLedgerOperation records the outcome of one ledger call.
func RecordLedgerOperation(kind, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	ledgerOperations.WithLabelValues(kind, outcome).Inc()
	ledgerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTransition records a valuation request transition attempt.
func RecordTransition(to string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	transitions.WithLabelValues(to, outcome).Inc()
}

// RecordPointsAwarded adds awarded points for an action.
func RecordPointsAwarded(action string, points int64) {
	pointsAwarded.WithLabelValues(action).Add(float64(points))
}

// RecordNotificationFailure counts a failed publish.
func RecordNotificationFailure(publisher string) {
	notificationFailures.WithLabelValues(publisher).Inc()
}

// SetDegradedTokens reports how many share tokens are waiting for metadata.
func SetDegradedTokens(n int) {
	degradedTokens.Set(float64(n))
}
