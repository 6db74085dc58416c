package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	plansCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_plans_created_total",
			Help: "Total number of outreach plans created",
		},
		[]string{"condition", "risk"},
	)

	attemptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_attempt_outcomes_total",
			Help: "Total number of terminal outreach attempt outcomes",
		},
		[]string{"outcome", "channel"},
	)

	tasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_tasks_created_total",
			Help: "Total number of escalation tasks created",
		},
		[]string{"severity"},
	)

	slaWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escalation_sla_warnings_total",
			Help: "Total number of SLA warning notifications fired",
		},
	)

	slaBreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escalation_sla_breaches_total",
			Help: "Total number of SLA breach notifications fired",
		},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notification dispatch results",
		},
		[]string{"channel", "status"},
	)

	riskFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_flags_total",
			Help: "Total number of risk flags raised by the decision adapter",
		},
		[]string{"severity"},
	)

	timersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timers_fired_total",
			Help: "Total number of durable timers fired",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordPlanCreated records an outreach plan creation
func RecordPlanCreated(condition, risk string) {
	plansCreated.WithLabelValues(condition, risk).Inc()
}

// RecordAttemptOutcome records a terminal outreach attempt outcome
func RecordAttemptOutcome(outcome, channel string) {
	attemptOutcomes.WithLabelValues(outcome, channel).Inc()
}

// RecordTaskCreated records an escalation task creation
func RecordTaskCreated(severity string) {
	tasksCreated.WithLabelValues(severity).Inc()
}

// RecordSLAWarning records an SLA warning notification
func RecordSLAWarning() {
	slaWarnings.Inc()
}

// RecordSLABreach records an SLA breach notification
func RecordSLABreach() {
	slaBreaches.Inc()
}

// RecordNotification records a notification dispatch result
func RecordNotification(channel, status string) {
	notificationsSent.WithLabelValues(channel, status).Inc()
}

// RecordRiskFlag records a risk flag raised by the decision adapter
func RecordRiskFlag(severity string) {
	riskFlags.WithLabelValues(severity).Inc()
}

// RecordTimerFired records a durable timer firing
func RecordTimerFired(kind string) {
	timersFired.WithLabelValues(kind).Inc()
}
