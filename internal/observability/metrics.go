package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Transition results used as the "result" label.
const (
	ResultSuccess     = "success"
	ResultIllegal     = "illegal"
	ResultInvalid     = "invalid"
	ResultConflict    = "conflict"
	ResultNotFound    = "not_found"
	ResultStoreFailed = "store_failed"
)

// Idempotency outcomes used as the "outcome" label.
const (
	IdempotencyReplayed = "replayed"
	IdempotencyConflict = "conflict"
	IdempotencyStored   = "stored"
	IdempotencyError    = "error"
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal        *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	ValidationFailuresTotal *prometheus.CounterVec
	StageChangesTotal       *prometheus.CounterVec
	RFIsCreatedTotal        prometheus.Counter
	FieldUpdatesTotal       prometheus.Counter

	// Side-effect metrics
	AuditWriteFailuresTotal *prometheus.CounterVec
	OutboxEnqueuedTotal     *prometheus.CounterVec
	OutboxDroppedTotal      *prometheus.CounterVec
	OutboxFailuresTotal     *prometheus.CounterVec
	OutboxDepth             prometheus.Gauge

	// Sweeper metrics
	SweepRunsTotal         *prometheus.CounterVec
	SweepTransitionedTotal prometheus.Counter
	SweepSkippedTotal      prometheus.Counter
	SweepDuration          prometheus.Histogram

	// Resilience metrics
	IdempotencyTotal     *prometheus.CounterVec
	NotifierBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfiflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfiflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfiflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_transitions_total",
			Help: "Total number of status transition attempts by outcome.",
		}, []string{"from", "to", "result"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfiflow_transition_duration_seconds",
			Help:    "Time from transition request to committed write.",
			Buckets: storeDurationBuckets,
		}, []string{"to"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_validation_failures_total",
			Help: "Total number of transitions rejected for missing fields.",
		}, []string{"from", "to"}),
		StageChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_stage_changes_total",
			Help: "Total number of committed stage changes.",
		}, []string{"stage"}),
		RFIsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfiflow_rfis_created_total",
			Help: "Total number of RFIs created.",
		}),
		FieldUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfiflow_field_updates_total",
			Help: "Total number of committed generic field updates.",
		}),

		// Side effects
		AuditWriteFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_audit_write_failures_total",
			Help: "Total number of audit or activity appends that failed after a commit.",
		}, []string{"log"}),
		OutboxEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_outbox_enqueued_total",
			Help: "Total number of post-commit tasks enqueued.",
		}, []string{"kind"}),
		OutboxDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_outbox_dropped_total",
			Help: "Total number of post-commit tasks dropped because the queue was full.",
		}, []string{"kind"}),
		OutboxFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_outbox_failures_total",
			Help: "Total number of post-commit tasks that failed.",
		}, []string{"kind"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rfiflow_outbox_depth",
			Help: "Number of post-commit tasks waiting to run.",
		}),

		// Sweeper
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_sweep_runs_total",
			Help: "Total number of overdue sweeps.",
		}, []string{"status"}),
		SweepTransitionedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfiflow_sweep_transitioned_total",
			Help: "Total number of RFIs moved to overdue by the sweeper.",
		}),
		SweepSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfiflow_sweep_skipped_total",
			Help: "Total number of past-due RFIs the sweeper could not transition.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rfiflow_sweep_duration_seconds",
			Help:    "Overdue sweep duration in seconds.",
			Buckets: storeDurationBuckets,
		}),

		// Resilience
		IdempotencyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfiflow_idempotency_total",
			Help: "Idempotency-keyed mutations by outcome.",
		}, []string{"outcome"}),
		NotifierBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rfiflow_notifier_breaker_state",
			Help: "Notifier circuit state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.TransitionsTotal,
		m.TransitionDuration,
		m.ValidationFailuresTotal,
		m.StageChangesTotal,
		m.RFIsCreatedTotal,
		m.FieldUpdatesTotal,
		// Side effects
		m.AuditWriteFailuresTotal,
		m.OutboxEnqueuedTotal,
		m.OutboxDroppedTotal,
		m.OutboxFailuresTotal,
		m.OutboxDepth,
		// Sweeper
		m.SweepRunsTotal,
		m.SweepTransitionedTotal,
		m.SweepSkippedTotal,
		m.SweepDuration,
		// Resilience
		m.IdempotencyTotal,
		m.NotifierBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a transition attempt. Duration is only observed
// for successful transitions.
func (m *Metrics) RecordTransition(from, to, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, result).Inc()
	if result == ResultSuccess {
		m.TransitionDuration.WithLabelValues(to).Observe(duration.Seconds())
	}
}

// RecordValidationFailure records a transition rejected by validation.
func (m *Metrics) RecordValidationFailure(from, to string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(from, to).Inc()
}

// RecordStageChange records a committed stage change.
func (m *Metrics) RecordStageChange(stage string) {
	if m == nil {
		return
	}
	m.StageChangesTotal.WithLabelValues(stage).Inc()
}

// RecordRFICreated records a new RFI.
func (m *Metrics) RecordRFICreated() {
	if m == nil {
		return
	}
	m.RFIsCreatedTotal.Inc()
}

// RecordFieldUpdate records a committed generic field update.
func (m *Metrics) RecordFieldUpdate() {
	if m == nil {
		return
	}
	m.FieldUpdatesTotal.Inc()
}

// RecordAuditWriteFailure records a failed append to the named log.
func (m *Metrics) RecordAuditWriteFailure(log string) {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.WithLabelValues(log).Inc()
}

// RecordOutboxEnqueued records a task entering the outbox.
func (m *Metrics) RecordOutboxEnqueued(kind string) {
	if m == nil {
		return
	}
	m.OutboxEnqueuedTotal.WithLabelValues(kind).Inc()
	m.OutboxDepth.Inc()
}

// RecordOutboxDone records a task leaving the outbox, failed or not.
func (m *Metrics) RecordOutboxDone(kind string, failed bool) {
	if m == nil {
		return
	}
	m.OutboxDepth.Dec()
	if failed {
		m.OutboxFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// RecordOutboxDropped records a task that could not be enqueued.
func (m *Metrics) RecordOutboxDropped(kind string) {
	if m == nil {
		return
	}
	m.OutboxDroppedTotal.WithLabelValues(kind).Inc()
}

// RecordSweep records one sweep run.
func (m *Metrics) RecordSweep(status string, transitioned, skipped int, duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepTransitionedTotal.Add(float64(transitioned))
	m.SweepSkippedTotal.Add(float64(skipped))
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordIdempotency records how a keyed mutation was handled.
func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyTotal.WithLabelValues(outcome).Inc()
}

// RecordBreakerState publishes the notifier circuit state.
func (m *Metrics) RecordBreakerState(state int) {
	if m == nil {
		return
	}
	m.NotifierBreakerState.Set(float64(state))
}

// MetricsMiddleware records request metrics labelled by chi's route pattern
// so RFI ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern is the matched chi pattern, or the raw path outside chi.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
