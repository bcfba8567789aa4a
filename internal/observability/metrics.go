package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Trigger metrics
	TriggerDecisionsTotal *prometheus.CounterVec
	EventsDeduplicated    prometheus.Counter
	DispatchQueueDepth    prometheus.Gauge

	// Execution metrics
	ExecutionsStartedTotal    *prometheus.CounterVec
	ExecutionTransitionsTotal *prometheus.CounterVec
	TaskTransitionsTotal      *prometheus.CounterVec
	OperationDuration         *prometheus.HistogramVec
	LockWaitDuration          prometheus.Histogram
	StoreRetriesTotal         *prometheus.CounterVec
	SweepItemsTotal           *prometheus.CounterVec

	// Impact Assessor metrics
	ImpactRequestsTotal       *prometheus.CounterVec
	ImpactRequestDuration     prometheus.Histogram
	ImpactCircuitBreakerState prometheus.Gauge

	// System metrics
	DefinitionsRegisteredTotal *prometheus.CounterVec
	EventsPublishedTotal       *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complyflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complyflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complyflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Triggers
		TriggerDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_trigger_decisions_total",
			Help: "Trigger evaluation decisions by trigger type and outcome.",
		}, []string{"trigger_type", "decision"}),
		EventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complyflow_events_deduplicated_total",
			Help: "Events dropped because their id was already evaluated.",
		}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "complyflow_dispatch_queue_depth",
			Help: "Execution requests waiting for a dispatcher worker.",
		}),

		// Executions
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_executions_started_total",
			Help: "Total number of executions started.",
		}, []string{"definition", "trigger_type"}),
		ExecutionTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_execution_transitions_total",
			Help: "Execution state transitions by target state.",
		}, []string{"definition", "to"}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_task_transitions_total",
			Help: "Task state transitions by task type and target state.",
		}, []string{"task_type", "to"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complyflow_operation_duration_seconds",
			Help:    "Scheduler operation duration in seconds, lock wait included.",
			Buckets: engineDurationBuckets,
		}, []string{"operation", "status"}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "complyflow_execution_lock_wait_seconds",
			Help:    "Time spent queued behind the per-execution lock.",
			Buckets: engineDurationBuckets,
		}),
		StoreRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_store_retries_total",
			Help: "Transactions retried after a transient store error.",
		}, []string{"operation"}),
		SweepItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_sweep_items_total",
			Help: "Executions expired and tasks escalated by background sweeps.",
		}, []string{"sweep"}),

		// Impact Assessor
		ImpactRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_impact_requests_total",
			Help: "Impact Assessor requests by outcome.",
		}, []string{"status"}),
		ImpactRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "complyflow_impact_request_duration_seconds",
			Help:    "Impact Assessor request duration in seconds.",
			Buckets: engineDurationBuckets,
		}),
		ImpactCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "complyflow_impact_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// System
		DefinitionsRegisteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_definitions_registered_total",
			Help: "Definition registrations by outcome.",
		}, []string{"status"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complyflow_events_published_total",
			Help: "State change events published by type and outcome.",
		}, []string{"type", "status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Triggers
		m.TriggerDecisionsTotal,
		m.EventsDeduplicated,
		m.DispatchQueueDepth,
		// Executions
		m.ExecutionsStartedTotal,
		m.ExecutionTransitionsTotal,
		m.TaskTransitionsTotal,
		m.OperationDuration,
		m.LockWaitDuration,
		m.StoreRetriesTotal,
		m.SweepItemsTotal,
		// Impact
		m.ImpactRequestsTotal,
		m.ImpactRequestDuration,
		m.ImpactCircuitBreakerState,
		// System
		m.DefinitionsRegisteredTotal,
		m.EventsPublishedTotal,
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

// RecordTriggerDecision records one trigger evaluation outcome.
func (m *Metrics) RecordTriggerDecision(triggerType, decision string) {
	if m == nil {
		return
	}
	m.TriggerDecisionsTotal.WithLabelValues(triggerType, decision).Inc()
}

// RecordEventDeduplicated records an event dropped as a redelivery.
func (m *Metrics) RecordEventDeduplicated() {
	if m == nil {
		return
	}
	m.EventsDeduplicated.Inc()
}

// SetDispatchQueueDepth sets the number of queued execution requests.
func (m *Metrics) SetDispatchQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(n))
}

// RecordExecutionStart records a started execution.
func (m *Metrics) RecordExecutionStart(definition, triggerType string) {
	if m == nil {
		return
	}
	m.ExecutionsStartedTotal.WithLabelValues(definition, triggerType).Inc()
}

// RecordExecutionTransition records an execution entering state to.
func (m *Metrics) RecordExecutionTransition(definition, to string) {
	if m == nil {
		return
	}
	m.ExecutionTransitionsTotal.WithLabelValues(definition, to).Inc()
}

// RecordTaskTransition records a task entering state to.
func (m *Metrics) RecordTaskTransition(taskType, to string) {
	if m == nil {
		return
	}
	m.TaskTransitionsTotal.WithLabelValues(taskType, to).Inc()
}

// RecordOperation records the duration of a scheduler operation.
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordLockWait records time spent waiting for an execution lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(d.Seconds())
}

// RecordStoreRetry records a retried transaction.
func (m *Metrics) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordSweep records how many items a background sweep changed.
func (m *Metrics) RecordSweep(sweep string, n int) {
	if m == nil {
		return
	}
	m.SweepItemsTotal.WithLabelValues(sweep).Add(float64(n))
}

// RecordImpactRequest records an Impact Assessor call.
func (m *Metrics) RecordImpactRequest(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ImpactRequestsTotal.WithLabelValues(status).Inc()
	m.ImpactRequestDuration.Observe(duration.Seconds())
}

// SetImpactCircuitBreakerState sets the breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetImpactCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.ImpactCircuitBreakerState.Set(state)
}

// RecordDefinitionRegistered records a registration attempt.
func (m *Metrics) RecordDefinitionRegistered(status string) {
	if m == nil {
		return
	}
	m.DefinitionsRegisteredTotal.WithLabelValues(status).Inc()
}

// RecordEventPublished records a state change publish attempt.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
