package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/sagaflow/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	stepDurationBuckets     = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30}
	workflowDurationBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400}
	fanOutBuckets           = []float64{0, 1, 2, 4, 8, 16, 32}
	attemptBuckets          = []float64{1, 2, 3, 5, 8}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Event bus metrics
	BusEventsPublishedTotal  *prometheus.CounterVec
	BusEventsDispatchedTotal *prometheus.CounterVec
	BusDispatchDuration      *prometheus.HistogramVec
	BusHandlersPerEvent      prometheus.Histogram
	BusHandlerFailuresTotal  *prometheus.CounterVec
	BusQueueDepth            prometheus.Gauge

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowDuration         *prometheus.HistogramVec
	WorkflowStepSignalsTotal *prometheus.CounterVec
	WorkflowStoreErrorsTotal *prometheus.CounterVec
	WorkflowLiveInstances    *prometheus.GaugeVec

	// Executor metrics
	StepExecutionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepAttempts        *prometheus.HistogramVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Bus
		BusEventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_bus_events_published_total",
			Help: "Total number of events published on the bus.",
		}, []string{"event_type"}),
		BusEventsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_bus_events_dispatched_total",
			Help: "Total number of events whose handler batch finished.",
		}, []string{"event_type"}),
		BusDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_bus_dispatch_duration_seconds",
			Help:    "Time to run every matching handler of one event.",
			Buckets: dispatchDurationBuckets,
		}, []string{"event_type"}),
		BusHandlersPerEvent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagaflow_bus_handlers_per_event",
			Help:    "Number of handlers matched per dispatched event.",
			Buckets: fanOutBuckets,
		}),
		BusHandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_bus_handler_failures_total",
			Help: "Total number of handler invocations that returned an error or panicked.",
		}, []string{"event_type"}),
		BusQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sagaflow_bus_queue_depth",
			Help: "Events waiting for dispatch.",
		}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"workflow_type"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_workflow_transitions_total",
			Help: "Total number of workflow status transitions.",
		}, []string{"workflow_type", "status"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_workflow_duration_seconds",
			Help:    "Time from start to completion or failure.",
			Buckets: workflowDurationBuckets,
		}, []string{"workflow_type", "status"}),
		WorkflowStepSignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_workflow_step_signals_total",
			Help: "Step outcome events seen by the engine.",
		}, []string{"signal", "outcome"}),
		WorkflowStoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_workflow_store_errors_total",
			Help: "Total number of failed workflow store writes.",
		}, []string{"operation"}),
		WorkflowLiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sagaflow_workflow_live_instances",
			Help: "Number of running and suspended workflow instances.",
		}, []string{"status"}),

		// Executor
		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_step_executions_total",
			Help: "Total number of step executions by outcome.",
		}, []string{"step_type", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_step_duration_seconds",
			Help:    "Step execution duration including retries.",
			Buckets: stepDurationBuckets,
		}, []string{"step_type"}),
		StepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_step_attempts",
			Help:    "Attempts needed per step execution.",
			Buckets: attemptBuckets,
		}, []string{"step_type"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_definition_reload_total",
			Help: "Total number of definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sagaflow_definitions_loaded",
			Help: "Number of workflow definitions loaded.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.BusEventsPublishedTotal,
		m.BusEventsDispatchedTotal,
		m.BusDispatchDuration,
		m.BusHandlersPerEvent,
		m.BusHandlerFailuresTotal,
		m.BusQueueDepth,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowDuration,
		m.WorkflowStepSignalsTotal,
		m.WorkflowStoreErrorsTotal,
		m.WorkflowLiveInstances,
		m.StepExecutionsTotal,
		m.StepDuration,
		m.StepAttempts,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- HTTP ---

// RecordHTTPRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// --- Event bus ---

// EventPublished counts a published event.
func (m *Metrics) EventPublished(eventType string) {
	m.BusEventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// EventDispatched records a finished handler batch.
func (m *Metrics) EventDispatched(eventType string, handlers int, d time.Duration) {
	m.BusEventsDispatchedTotal.WithLabelValues(eventType).Inc()
	m.BusDispatchDuration.WithLabelValues(eventType).Observe(d.Seconds())
	m.BusHandlersPerEvent.Observe(float64(handlers))
}

// HandlerFailed counts a failed handler invocation.
func (m *Metrics) HandlerFailed(eventType string) {
	m.BusHandlerFailuresTotal.WithLabelValues(eventType).Inc()
}

// QueueDepth sets the current queue depth.
func (m *Metrics) QueueDepth(n int) {
	m.BusQueueDepth.Set(float64(n))
}

// --- Workflows ---

// RecordWorkflowStart increments the workflow start counter.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowTransition counts a move into status.
func (m *Metrics) RecordWorkflowTransition(workflowType string, status model.WorkflowStatus) {
	m.WorkflowTransitionsTotal.WithLabelValues(workflowType, string(status)).Inc()
}

// RecordWorkflowDuration observes the lifetime of a finished workflow.
func (m *Metrics) RecordWorkflowDuration(workflowType string, status model.WorkflowStatus, d time.Duration) {
	m.WorkflowDuration.WithLabelValues(workflowType, string(status)).Observe(d.Seconds())
}

// RecordStepSignal counts a step outcome event and whether it was applied.
func (m *Metrics) RecordStepSignal(signal, outcome string) {
	m.WorkflowStepSignalsTotal.WithLabelValues(signal, outcome).Inc()
}

// RecordStoreError counts a failed store operation.
func (m *Metrics) RecordStoreError(op string) {
	m.WorkflowStoreErrorsTotal.WithLabelValues(op).Inc()
}

// SetLiveWorkflows sets the running and suspended instance gauges.
func (m *Metrics) SetLiveWorkflows(running, suspended int) {
	m.WorkflowLiveInstances.WithLabelValues(string(model.StatusRunning)).Set(float64(running))
	m.WorkflowLiveInstances.WithLabelValues(string(model.StatusSuspended)).Set(float64(suspended))
}

// --- Executor ---

// RecordStepExecution records one finished step execution.
func (m *Metrics) RecordStepExecution(stepType, outcome string, attempts int, d time.Duration) {
	m.StepExecutionsTotal.WithLabelValues(stepType, outcome).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(d.Seconds())
	if attempts > 0 {
		m.StepAttempts.WithLabelValues(stepType).Observe(float64(attempts))
	}
}

// --- System ---

// RecordDefinitionReload increments the definition reload counter.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern,
// so /workflows/{workflowId} is one series however many workflows exist.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := Recorder(w)

		next.ServeHTTP(rec, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.Status, time.Since(start), reqSize, rec.Bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the chi route that served r, or the raw path when the
// request never reached the router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
