// Package integration provides a reusable test harness for end-to-end
// integration testing of the sagaflow daemon. It starts a full HTTP server
// over a real event bus, workflow engine and step executor, with in-memory
// storage and a test token issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/sagaflow/internal/config"
	"github.com/pitabwire/sagaflow/internal/definition"
	"github.com/pitabwire/sagaflow/internal/eventbus"
	"github.com/pitabwire/sagaflow/internal/executor"
	"github.com/pitabwire/sagaflow/internal/observability"
	"github.com/pitabwire/sagaflow/internal/transport"
	"github.com/pitabwire/sagaflow/internal/workflow"
	"github.com/pitabwire/sagaflow/model"
)

// TestHarness encapsulates a fully wired sagaflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Bus      *eventbus.Bus
	Registry *definition.Registry
	Store    *workflow.MemoryWorkflowStore
	Engine   *workflow.Engine
	Executor *executor.Executor
	Metrics  *observability.Metrics
	Gatherer *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    []model.DefinitionFile
	stepFuncs      map[string]executor.StepFunc
	retry          executor.RetryPolicy
	noExecutor     bool
	handlerTimeout time.Duration
}

// WithDefinitions adds definition files on top of the built-in catalog.
func WithDefinitions(files ...model.DefinitionFile) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = append(c.definitions, files...)
	}
}

// WithStepFunc replaces the passthrough step func for one step type.
func WithStepFunc(stepType string, fn executor.StepFunc) HarnessOption {
	return func(c *harnessConfig) {
		c.stepFuncs[stepType] = fn
	}
}

// WithRetryPolicy sets the executor retry policy.
func WithRetryPolicy(p executor.RetryPolicy) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = p
	}
}

// WithoutExecutor leaves step commands unanswered so tests can drive step
// outcomes by publishing them on the bus.
func WithoutExecutor() HarnessOption {
	return func(c *harnessConfig) {
		c.noExecutor = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// fastRetry keeps retrying steps quick in tests.
var fastRetry = executor.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
	MaxElapsedTime:  2 * time.Second,
	MaxRetries:      3,
}

// NewTestHarness creates and starts a full sagaflow test instance. The
// server, executor and bus are shut down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		stepFuncs:      make(map[string]executor.StepFunc),
		retry:          fastRetry,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{t: t}

	// Step 1: Build and validate the definition registry.
	defs := append([]model.DefinitionFile{definition.DefaultDefinitions()}, hc.definitions...)
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("invalid test definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 2: Metrics on a private registry.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)

	// Step 3: Bus, store and engine.
	h.Bus = eventbus.New(
		eventbus.WithLogger(logger.Named("bus")),
		eventbus.WithObserver(h.Metrics),
	)
	h.Store = workflow.NewMemoryWorkflowStore()
	h.Engine = workflow.NewEngine(h.Bus, h.Registry,
		workflow.WithStore(h.Store),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(h.Metrics),
	)
	if err := h.Engine.Register(h.Bus); err != nil {
		t.Fatalf("register engine: %v", err)
	}

	// Step 4: Executor with passthrough steps unless overridden.
	if !hc.noExecutor {
		h.Executor = executor.New(h.Bus,
			executor.WithLogger(logger.Named("executor")),
			executor.WithMetrics(h.Metrics),
			executor.WithRetryPolicy(hc.retry),
		)
		for _, wf := range h.Registry.All() {
			for _, step := range wf.Steps {
				h.Executor.Handle(step.Type, executor.Passthrough)
			}
		}
		for stepType, fn := range hc.stepFuncs {
			h.Executor.Handle(stepType, fn)
		}
		if err := h.Executor.Register(h.Bus); err != nil {
			t.Fatalf("register executor: %v", err)
		}
	}

	// Step 5: Token issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Auth = h.issuer.AuthConfig()

	// Step 6: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Logger:      logger.Named("http"),
		Workflows:   h.Engine,
		Bus:         h.Bus,
		Definitions: h.Registry,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Registry.Types()) > 0 },
			BusSubscribed: func() bool {
				return h.Bus.Stats().Subscriptions[model.EventStepCompleted] > 0
			},
		},
		Metrics:  h.Metrics,
		Gatherer: h.Gatherer,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if h.Executor != nil {
			_ = h.Executor.Close(ctx)
		}
		_ = h.Bus.Flush(ctx)
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a token that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
// Failures are reported on t, which may be a subtest.
func (h *TestHarness) ParseJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	data := h.ReadBody(t, resp)
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(t, resp, target)
}

// --- Workflow helpers ---

// StartWorkflow starts a workflow through the API and returns its snapshot.
func (h *TestHarness) StartWorkflow(t *testing.T, token string, body map[string]any) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.POST("/workflows", body, token), http.StatusCreated, &inst)
	if inst.WorkflowID == "" {
		t.Fatal("expected workflow_id in start response")
	}
	return inst
}

// GetWorkflow fetches a workflow snapshot through the API.
func (h *TestHarness) GetWorkflow(t *testing.T, token, workflowID string) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.GET("/workflows/"+workflowID, token), http.StatusOK, &inst)
	return inst
}

// WaitForStatus polls the API until the workflow reaches status or the
// deadline passes.
func (h *TestHarness) WaitForStatus(t *testing.T, token, workflowID string, status model.WorkflowStatus) model.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		inst := h.GetWorkflow(t, token, workflowID)
		if inst.Status == status {
			return inst
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow %s status = %s, want %s", workflowID, inst.Status, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// History fetches the audit trail of a workflow through the API.
func (h *TestHarness) History(t *testing.T, token, workflowID string) []model.WorkflowEvent {
	t.Helper()
	var resp struct {
		WorkflowID string                `json:"workflow_id"`
		Data       []model.WorkflowEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/workflows/"+workflowID+"/history", token), http.StatusOK, &resp)
	return resp.Data
}

// Drain waits until the bus has delivered every queued event.
func (h *TestHarness) Drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Bus.Flush(ctx); err != nil {
		t.Fatalf("bus flush: %v", err)
	}
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for an operator of the acme tenant.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		TenantID:  "acme-corp",
		Roles:     []string{"operator"},
	}
}

// OtherTenantClaims returns TestClaims for an operator of another tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Roles:     []string{"operator"},
	}
}

// --- Helpers ---

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
