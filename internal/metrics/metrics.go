package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartpush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_runs_total",
			Help: "Engine runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartpush_run_duration_seconds",
			Help:    "Wall time of a complete engine run",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"trigger"},
	)

	templatesSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_templates_selected_total",
			Help: "Templates that passed the schedule window, by trigger",
		},
		[]string{"trigger"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_notifications_sent_total",
			Help: "Successful push deliveries by template category and provider",
		},
		[]string{"category", "provider"},
	)

	usersSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_users_skipped_total",
			Help: "Candidate users skipped by reason",
		},
		[]string{"reason"},
	)

	deliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_delivery_failures_total",
			Help: "Failed push deliveries by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	subscriptionsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_subscriptions_deactivated_total",
			Help: "Subscriptions marked inactive after the push service reported them gone",
		},
		[]string{"provider"},
	)

	queryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_query_failures_total",
			Help: "Database reads that failed and were treated as nothing to do",
		},
		[]string{"stage"},
	)

	sendLogRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartpush_send_log_rows_total",
			Help: "Rows appended to the send log",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartpush_idempotency_hits_total",
			Help: "Run requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartpush_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	eventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartpush_events_enqueued_total",
			Help: "Event triggers written to SQS",
		},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_events_consumed_total",
			Help: "Event triggers read from SQS by outcome",
		},
		[]string{"outcome"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartpush_emails_sent_total",
			Help: "Transactional emails by outcome",
		},
		[]string{"outcome"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartpush_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRun records the outcome and wall time of an engine run
func RecordRun(trigger, outcome string, duration time.Duration) {
	runsTotal.WithLabelValues(trigger, outcome).Inc()
	runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordTemplatesSelected adds the number of templates a run kept after window filtering
func RecordTemplatesSelected(trigger string, n int) {
	templatesSelected.WithLabelValues(trigger).Add(float64(n))
}

// RecordNotificationSent records one successful delivery
func RecordNotificationSent(category, provider string) {
	notificationsSent.WithLabelValues(category, provider).Inc()
}

// RecordUserSkipped records a skipped candidate
func RecordUserSkipped(reason string) {
	usersSkipped.WithLabelValues(reason).Inc()
}

// RecordDeliveryFailure records a failed delivery attempt
func RecordDeliveryFailure(provider, reason string) {
	deliveryFailures.WithLabelValues(provider, reason).Inc()
}

// RecordSubscriptionDeactivated records a gone endpoint
func RecordSubscriptionDeactivated(provider string) {
	subscriptionsDeactivated.WithLabelValues(provider).Inc()
}

// RecordQueryFailure records a swallowed read error
func RecordQueryFailure(stage string) {
	queryFailures.WithLabelValues(stage).Inc()
}

// RecordSendLogRows records audit rows written
func RecordSendLogRows(n int64) {
	sendLogRows.Add(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetCircuitState publishes a breaker state as a number
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordEventEnqueued records an event written to the queue
func RecordEventEnqueued() {
	eventsEnqueued.Inc()
}

// RecordEventConsumed records an event read from the queue
func RecordEventConsumed(outcome string) {
	eventsConsumed.WithLabelValues(outcome).Inc()
}

// RecordEmail records a transactional email result
func RecordEmail(outcome string) {
	emailsSent.WithLabelValues(outcome).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// The chi route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
