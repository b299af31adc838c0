package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/sagaflow/model"
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

	// Vector metrics only appear in Gather output once a label set exists.
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 10)
	m.EventPublished("workflow.started")
	m.EventDispatched("workflow.started", 1, time.Millisecond)
	m.HandlerFailed("workflow.started")
	m.QueueDepth(0)
	m.RecordWorkflowStart("data_processing")
	m.RecordWorkflowTransition("data_processing", model.StatusRunning)
	m.RecordWorkflowDuration("data_processing", model.StatusCompleted, time.Second)
	m.RecordStepSignal(model.EventStepCompleted, "applied")
	m.RecordStoreError("save")
	m.SetLiveWorkflows(1, 0)
	m.RecordStepExecution("validation", "completed", 1, time.Millisecond)
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"sagaflow_http_requests_total",
		"sagaflow_http_request_duration_seconds",
		"sagaflow_http_request_size_bytes",
		"sagaflow_http_response_size_bytes",
		"sagaflow_bus_events_published_total",
		"sagaflow_bus_events_dispatched_total",
		"sagaflow_bus_dispatch_duration_seconds",
		"sagaflow_bus_handlers_per_event",
		"sagaflow_bus_handler_failures_total",
		"sagaflow_bus_queue_depth",
		"sagaflow_workflow_starts_total",
		"sagaflow_workflow_transitions_total",
		"sagaflow_workflow_duration_seconds",
		"sagaflow_workflow_step_signals_total",
		"sagaflow_workflow_store_errors_total",
		"sagaflow_workflow_live_instances",
		"sagaflow_step_executions_total",
		"sagaflow_step_duration_seconds",
		"sagaflow_step_attempts",
		"sagaflow_definition_reload_total",
		"sagaflow_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestInitMetrics_doubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	InitMetrics(reg)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("POST", "/workflows", 201, 30*time.Millisecond, 256, 512)
	m.RecordHTTPRequest("POST", "/workflows", 201, 10*time.Millisecond, 128, 512)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/workflows", "201"))
	if val != 2 {
		t.Errorf("requests total = %v, want 2", val)
	}
	if count := testutil.CollectAndCount(m.HTTPRequestDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestBusObserver(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.EventPublished("command.step.validation")
	m.EventPublished("command.step.validation")
	m.EventPublished("workflow.started")
	m.EventDispatched("command.step.validation", 2, 5*time.Millisecond)
	m.HandlerFailed("command.step.validation")
	m.QueueDepth(7)

	if v := testutil.ToFloat64(m.BusEventsPublishedTotal.WithLabelValues("command.step.validation")); v != 2 {
		t.Errorf("published = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.BusEventsPublishedTotal.WithLabelValues("workflow.started")); v != 1 {
		t.Errorf("published workflow.started = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BusEventsDispatchedTotal.WithLabelValues("command.step.validation")); v != 1 {
		t.Errorf("dispatched = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BusHandlerFailuresTotal.WithLabelValues("command.step.validation")); v != 1 {
		t.Errorf("handler failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BusQueueDepth); v != 7 {
		t.Errorf("queue depth = %v, want 7", v)
	}

	m.QueueDepth(0)
	if v := testutil.ToFloat64(m.BusQueueDepth); v != 0 {
		t.Errorf("queue depth after drain = %v, want 0", v)
	}
}

func TestWorkflowRecorder(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("order_processing")
	m.RecordWorkflowTransition("order_processing", model.StatusSuspended)
	m.RecordWorkflowTransition("order_processing", model.StatusRunning)
	m.RecordWorkflowTransition("order_processing", model.StatusCompleted)
	m.RecordWorkflowDuration("order_processing", model.StatusCompleted, 90*time.Second)
	m.RecordStepSignal(model.EventStepCompleted, "applied")
	m.RecordStepSignal(model.EventStepFailed, "ignored")
	m.RecordStoreError("append_event")

	if v := testutil.ToFloat64(m.WorkflowStartsTotal.WithLabelValues("order_processing")); v != 1 {
		t.Errorf("starts = %v, want 1", v)
	}
	for _, status := range []string{"SUSPENDED", "RUNNING", "COMPLETED"} {
		if v := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("order_processing", status)); v != 1 {
			t.Errorf("transitions %s = %v, want 1", status, v)
		}
	}
	if count := testutil.CollectAndCount(m.WorkflowDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
	if v := testutil.ToFloat64(m.WorkflowStepSignalsTotal.WithLabelValues(model.EventStepFailed, "ignored")); v != 1 {
		t.Errorf("ignored failed signals = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowStoreErrorsTotal.WithLabelValues("append_event")); v != 1 {
		t.Errorf("store errors = %v, want 1", v)
	}
}

func TestSetLiveWorkflows(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetLiveWorkflows(4, 2)
	if v := testutil.ToFloat64(m.WorkflowLiveInstances.WithLabelValues("RUNNING")); v != 4 {
		t.Errorf("running = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.WorkflowLiveInstances.WithLabelValues("SUSPENDED")); v != 2 {
		t.Errorf("suspended = %v, want 2", v)
	}

	m.SetLiveWorkflows(0, 1)
	if v := testutil.ToFloat64(m.WorkflowLiveInstances.WithLabelValues("RUNNING")); v != 0 {
		t.Errorf("running = %v, want 0", v)
	}
}

func TestRecordStepExecution(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepExecution("enrichment", "completed", 3, 250*time.Millisecond)
	m.RecordStepExecution("enrichment", "failed", 4, time.Second)
	m.RecordStepExecution("enrichment", "cancelled", 0, time.Millisecond)

	if v := testutil.ToFloat64(m.StepExecutionsTotal.WithLabelValues("enrichment", "completed")); v != 1 {
		t.Errorf("completed executions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.StepExecutionsTotal.WithLabelValues("enrichment", "failed")); v != 1 {
		t.Errorf("failed executions = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.StepAttempts); count != 1 {
		t.Errorf("attempt series = %d, want 1", count)
	}
}

func TestDefinitionMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success")
	m.RecordDefinitionReload("failure")
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(3)

	if v := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("success")); v != 2 {
		t.Errorf("successful reloads = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 3 {
		t.Errorf("definitions loaded = %v, want 3", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/workflows/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/workflows/{id}/suspend", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-1/suspend", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/workflows/{id}/suspend", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Verify bucket configurations are correct.
	if len(httpDurationBuckets) != 11 {
		t.Errorf("httpDurationBuckets length = %d, want 11", len(httpDurationBuckets))
	}
	if len(dispatchDurationBuckets) != 9 {
		t.Errorf("dispatchDurationBuckets length = %d, want 9", len(dispatchDurationBuckets))
	}
	if len(bodySizeBuckets) != 5 {
		t.Errorf("bodySizeBuckets length = %d, want 5", len(bodySizeBuckets))
	}

	// Verify buckets are sorted ascending.
	all := map[string][]float64{
		"http":     httpDurationBuckets,
		"dispatch": dispatchDurationBuckets,
		"step":     stepDurationBuckets,
		"workflow": workflowDurationBuckets,
		"fanout":   fanOutBuckets,
		"attempts": attemptBuckets,
		"body":     bodySizeBuckets,
	}
	for name, buckets := range all {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
