package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"complyflow_http_requests_total",
		"complyflow_http_request_duration_seconds",
		"complyflow_http_request_size_bytes",
		"complyflow_http_response_size_bytes",
		"complyflow_trigger_decisions_total",
		"complyflow_events_deduplicated_total",
		"complyflow_dispatch_queue_depth",
		"complyflow_executions_started_total",
		"complyflow_execution_transitions_total",
		"complyflow_task_transitions_total",
		"complyflow_operation_duration_seconds",
		"complyflow_execution_lock_wait_seconds",
		"complyflow_store_retries_total",
		"complyflow_sweep_items_total",
		"complyflow_impact_requests_total",
		"complyflow_impact_request_duration_seconds",
		"complyflow_impact_circuit_breaker_state",
		"complyflow_definitions_registered_total",
		"complyflow_events_published_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordTriggerDecision("scheduled", "fired")
	m.RecordEventDeduplicated()
	m.SetDispatchQueueDepth(3)
	m.RecordExecutionStart("d1", "manual")
	m.RecordExecutionTransition("d1", "active")
	m.RecordTaskTransition("review", "assigned")
	m.RecordOperation("advance", nil, time.Millisecond)
	m.RecordLockWait(time.Millisecond)
	m.RecordStoreRetry("advance")
	m.RecordSweep("expiry", 2)
	m.RecordImpactRequest("ok", time.Millisecond)
	m.SetImpactCircuitBreakerState(0)
	m.RecordDefinitionRegistered("ok")
	m.RecordEventPublished("task.state_changed", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordTriggerDecision("manual", "fired")
	m.RecordExecutionTransition("d1", "completed")
	m.RecordOperation("advance", errors.New("boom"), time.Second)
	m.RecordSweep("overdue", 1)
	m.RecordEventPublished("trigger.fired", nil)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/executions/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/executions/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/tasks/outcome", 409, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/tasks/outcome", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordTriggerDecision(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTriggerDecision("regulatory_change", "fired")
	m.RecordTriggerDecision("regulatory_change", "suppressed_cooldown")
	m.RecordTriggerDecision("regulatory_change", "suppressed_cooldown")

	fired := testutil.ToFloat64(m.TriggerDecisionsTotal.WithLabelValues("regulatory_change", "fired"))
	if fired != 1 {
		t.Errorf("fired = %v, want 1", fired)
	}
	suppressed := testutil.ToFloat64(m.TriggerDecisionsTotal.WithLabelValues("regulatory_change", "suppressed_cooldown"))
	if suppressed != 2 {
		t.Errorf("suppressed = %v, want 2", suppressed)
	}
}

func TestRecordOperation_status(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOperation("handle_task_outcome", nil, 10*time.Millisecond)
	m.RecordOperation("handle_task_outcome", errors.New("conflict"), 10*time.Millisecond)

	if n := testutil.CollectAndCount(m.OperationDuration); n != 2 {
		t.Errorf("operation series = %d, want 2 (ok and error)", n)
	}
}

func TestRecordSweep(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSweep("overdue", 3)
	m.RecordSweep("overdue", 0)
	val := testutil.ToFloat64(m.SweepItemsTotal.WithLabelValues("overdue"))
	if val != 3 {
		t.Errorf("overdue sweep items = %v, want 3", val)
	}
}

func TestSetImpactCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetImpactCircuitBreakerState(2)
	if val := testutil.ToFloat64(m.ImpactCircuitBreakerState); val != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", val)
	}
	m.SetImpactCircuitBreakerState(0)
	if val := testutil.ToFloat64(m.ImpactCircuitBreakerState); val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}
}

func TestRecordEventPublished(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEventPublished("task.overdue", nil)
	m.RecordEventPublished("task.overdue", errors.New("redis down"))

	ok := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("task.overdue", "ok"))
	failed := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("task.overdue", "error"))
	if ok != 1 || failed != 1 {
		t.Errorf("published ok = %v error = %v, want 1 and 1", ok, failed)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/tasks/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/t-1/approve", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/tasks/{id}/approve", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"engine": engineDurationBuckets,
		"body":   bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
