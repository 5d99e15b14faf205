// AngelaMos | 2026
// metrics.go

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rwa_portal"

var (
	ResolverTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_transitions_total",
			Help:      "Session state transitions applied by resolvers",
		},
		[]string{"phase", "confirmation", "source"},
	)

	StaleResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_stale_results_total",
			Help:      "Reconciliation results discarded because a newer trigger won",
		},
	)

	DirectoryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_failures_total",
			Help:      "User directory failures that degraded a session",
		},
		[]string{"op"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Resolvers currently held in memory",
		},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Proxied upstream requests by upstream and status class",
		},
		[]string{"upstream", "status"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of proxied upstream requests",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"upstream"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limit, by limit name and subject kind",
		},
		[]string{"limit", "subject"},
	)

	RateLimitFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_local_fallbacks_total",
			Help:      "Rate limit decisions taken in-process because redis was unavailable",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_published_total",
			Help:      "Session lifecycle events handed to the broker",
		},
		[]string{"type", "result"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status into "2xx", "4xx" and so on. Zero
// means the request never got a response.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
