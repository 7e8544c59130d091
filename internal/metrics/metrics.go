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
			Name: "accflow_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accflow_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accflow_reminder_passes_total",
			Help: "Reminder passes by outcome",
		},
		[]string{"outcome"},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accflow_reminder_pass_duration_seconds",
			Help:    "Wall time of a reminder pass",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	alertUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accflow_reminder_units_total",
			Help: "Alert and schedule evaluations by terminal state",
		},
		[]string{"state"},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accflow_reminder_dispatches_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	gapTasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accflow_gap_tasks_created_total",
			Help: "Tasks opened for clients missing an alert",
		},
	)

	reviewQueuePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accflow_review_queue_publishes_total",
			Help: "Draft announcements sent to the review queue by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accflow_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accflow_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
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

// RecordPass records the outcome and duration of a reminder pass.
func RecordPass(outcome string, duration time.Duration) {
	passesTotal.WithLabelValues(outcome).Inc()
	passDuration.Observe(duration.Seconds())
}

// RecordUnit counts one alert or schedule evaluation ending in state.
func RecordUnit(state string) {
	alertUnits.WithLabelValues(state).Inc()
}

// RecordDispatch counts a dispatch outcome (sent, drafted, opted_out, failed).
func RecordDispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

// RecordGapTasks adds n created gap tasks.
func RecordGapTasks(n int) {
	gapTasksCreated.Add(float64(n))
}

// RecordReviewQueuePublish counts a review queue send.
func RecordReviewQueuePublish(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	reviewQueuePublishes.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState publishes a circuit breaker state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
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
// labelled by chi route pattern so alert ids do not explode cardinality.
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
