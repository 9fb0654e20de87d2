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
			Name: "waypoint_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waypoint_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_scheduler_runs_total",
			Help: "Scheduler invocations by trigger source and outcome",
		},
		[]string{"source", "outcome"},
	)

	schedulerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waypoint_scheduler_run_duration_seconds",
			Help:    "Wall time of one scheduler run",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	scheduledMessagesDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waypoint_scheduled_messages_due",
			Help: "Due messages selected by the most recent run",
		},
	)

	scheduledMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_scheduled_messages_processed_total",
			Help: "Scheduled message occurrences by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waypoint_delivery_latency_seconds",
			Help:    "Time spent in the delivery channel per occurrence",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	deliveryLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waypoint_delivery_lag_seconds",
			Help:    "Delay between an occurrence's next_send_at and its delivery",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
	)

	ledgerSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoint_delivery_ledger_skips_total",
			Help: "Re-selected occurrences whose delivery was skipped because the ledger marked them delivered",
		},
	)

	runLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoint_scheduler_lock_contention_total",
			Help: "Invocations rejected because another run held the lock",
		},
	)

	transitionEventsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoint_transition_events_failed_total",
			Help: "State transition events that could not be published",
		},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waypoint_circuit_breaker_state",
			Help: "Delivery transport breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoint_idempotency_hits_total",
			Help: "Create requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"key_type"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waypoint_db_connections_active",
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

// RecordRun records one scheduler invocation.
func RecordRun(source, outcome string, duration time.Duration) {
	schedulerRuns.WithLabelValues(source, outcome).Inc()
	if duration > 0 {
		schedulerRunDuration.Observe(duration.Seconds())
	}
}

// SetDue sets the number of due messages the last run selected.
func SetDue(count int) {
	scheduledMessagesDue.Set(float64(count))
}

// RecordProcessed records the outcome of one occurrence.
func RecordProcessed(outcome, channel string) {
	scheduledMessagesProcessed.WithLabelValues(outcome, channel).Inc()
}

// RecordDelivery records time spent delivering one occurrence and how late
// it was relative to its due time.
func RecordDelivery(channel string, took, lag time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(took.Seconds())
	if lag >= 0 {
		deliveryLag.Observe(lag.Seconds())
	}
}

func RecordLedgerSkip() {
	ledgerSkips.Inc()
}

func RecordLockContention() {
	runLockContention.Inc()
}

func RecordTransitionEventFailed() {
	transitionEventsFailed.Inc()
}

// SetCircuitBreakerState exports a breaker state as a number.
func SetCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(keyType string) {
	rateLimitRejections.WithLabelValues(keyType).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the chi route pattern so IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
