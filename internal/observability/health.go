package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by workflow stores backed by an external
// database or cache.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ready probes. DefinitionsLoaded and
// BusSubscribed always run and a nil func reports not ready. WorkflowStore is
// only probed when set.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	BusSubscribed     func() bool
	WorkflowStore     HealthChecker
}

var (
	errNoDefinitions = errors.New("no workflow definitions loaded")
	errNoSubscribers = errors.New("no step outcome subscribers on the event bus")
)

const storeProbeTimeout = 2 * time.Second

type probe struct {
	name string
	run  func(ctx context.Context) error
}

func boolProbe(f func() bool, failure error) func(context.Context) error {
	return func(context.Context) error {
		if f == nil || !f() {
			return failure
		}
		return nil
	}
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{
		{"definitions", boolProbe(c.DefinitionsLoaded, errNoDefinitions)},
		{"event_bus", boolProbe(c.BusSubscribed, errNoSubscribers)},
	}
	if c.WorkflowStore != nil {
		store := c.WorkflowStore
		probes = append(probes, probe{"workflow_store", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
			defer cancel()
			return store.HealthCheck(ctx)
		}})
	}
	return probes
}

// HandleHealth reports liveness along with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady runs every readiness probe and answers 503 when any fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: map[string]CheckResult{}}
		code := http.StatusOK

		for _, p := range checks.probes() {
			result := runProbe(r.Context(), p)
			if result.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
			resp.Checks[p.name] = result
		}
		writeHealthJSON(w, code, resp)
	}
}

func runProbe(ctx context.Context, p probe) CheckResult {
	start := time.Now()
	err := p.run(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
