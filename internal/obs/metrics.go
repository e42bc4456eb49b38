package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearance_activations_total",
			Help: "Account activation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearance_requests_submitted_total",
			Help: "Clearance requests accepted, by domain.",
		},
		[]string{"domain"},
	)

	submissionRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearance_submission_rejects_total",
			Help: "Clearance submissions refused, by domain and reason.",
		},
		[]string{"domain", "reason"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearance_decisions_total",
			Help: "Recorded decisions by domain, verdict and kind (first, repeat, correction, override).",
		},
		[]string{"domain", "verdict", "kind"},
	)
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			activationsTotal, submissionsTotal, submissionRejectsTotal, decisionsTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveActivation counts an activation attempt ("created", "already_activated", "not_eligible", "error").
func ObserveActivation(outcome string) {
	activationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSubmission counts an accepted request.
func ObserveSubmission(domain string) {
	submissionsTotal.WithLabelValues(domain).Inc()
}

// ObserveSubmissionReject counts a refused submission.
func ObserveSubmissionReject(domain, reason string) {
	submissionRejectsTotal.WithLabelValues(domain, reason).Inc()
}

// ObserveDecision counts a recorded decision.
func ObserveDecision(domain, verdict, kind string) {
	decisionsTotal.WithLabelValues(domain, verdict, kind).Inc()
}

// Instrument measures request rate, latency and in-flight count per chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		route := RoutePattern(r)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched" to keep label cardinality bounded.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
