// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskengine"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScoresComputedTotal counts category score computations by outcome.
	// result is the recommended action, or "missing_input"/"config_error".
	ScoresComputedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_computed_total",
			Help:      "Category score computations by category and result.",
		},
		[]string{"category", "result"},
	)

	// ScoreValue observes computed category scores.
	ScoreValue = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_value",
			Help:      "Distribution of computed category scores (0-100).",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 85, 90, 95, 100},
		},
		[]string{"category"},
	)

	// TransitionsTotal counts profile state transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Profile state transitions by category, from, to, and trigger (automatic/manual/expiry).",
		},
		[]string{"category", "from", "to", "trigger"},
	)

	// SuppressedTransitionsTotal counts automatic recommendations not applied
	// because the profile is blocked or whitelisted.
	SuppressedTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_transitions_total",
			Help:      "Automatic transitions suppressed by policy, by category and status.",
		},
		[]string{"category", "status"},
	)

	// IllegalTransitionsTotal counts rejected manual actions.
	IllegalTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "illegal_transitions_total",
			Help:      "Rejected manual actions by category and action.",
		},
		[]string{"category", "action"},
	)

	// ConcurrencyConflictsTotal counts revision conflicts by outcome (retried/dropped).
	ConcurrencyConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Profile revision conflicts by outcome.",
		},
		[]string{"outcome"},
	)

	// RecomputeQueueDepth tracks pending recompute keys.
	RecomputeQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recompute_queue_depth",
		Help:      "Number of (user, category) keys waiting for recomputation.",
	})

	// RecomputeEnqueuedTotal counts enqueue attempts by result (queued/coalesced/dropped).
	RecomputeEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_enqueued_total",
			Help:      "Recompute enqueue attempts by result.",
		},
		[]string{"result"},
	)

	// RecomputeDuration observes end-to-end recompute latency.
	RecomputeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recompute_duration_seconds",
		Help:      "Time to recompute a category score and apply its transition.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ConfigActivationsTotal counts configuration activations by result.
	ConfigActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_activations_total",
			Help:      "Configuration activations by category and result (activated/rejected).",
		},
		[]string{"category", "result"},
	)

	// WhitelistExpiriesTotal counts whitelists lifted by the expiry timer.
	WhitelistExpiriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "whitelist_expiries_total",
		Help:      "Whitelists lifted automatically on expiry.",
	})

	// AlertsTotal counts escalation alerts handed to hooks.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Escalation alerts by category and new status.",
		},
		[]string{"category", "status"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScoresComputedTotal,
		ScoreValue,
		TransitionsTotal,
		SuppressedTransitionsTotal,
		IllegalTransitionsTotal,
		ConcurrencyConflictsTotal,
		RecomputeQueueDepth,
		RecomputeEnqueuedTotal,
		RecomputeDuration,
		ConfigActivationsTotal,
		WhitelistExpiriesTotal,
		AlertsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
