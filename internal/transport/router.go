package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/internal/config"
	"github.com/pitabwire/sagaflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Workflows   WorkflowService
	Bus         BusInspector
	Definitions DefinitionSource
	Readiness   observability.ReadinessChecks

	// Metrics and Gatherer are optional. Without them no request metrics
	// are recorded and the metrics endpoint is not mounted.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	// Authenticate overrides the middleware built from Config.Auth.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes, no authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil && cfg.Auth.Enabled {
		auth = HMACAuthenticator(cfg.Auth)
	}
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Workflows != nil {
			r.Route("/workflows", func(r chi.Router) {
				r.Post("/", handleWorkflowStart(deps.Workflows, logger))
				r.Get("/", handleWorkflowList(deps.Workflows))
				r.Get("/{workflowId}", handleWorkflowGet(deps.Workflows))
				r.Get("/{workflowId}/history", handleWorkflowHistory(deps.Workflows))
				r.Post("/{workflowId}/suspend", handleWorkflowSuspend(deps.Workflows))
				r.Post("/{workflowId}/resume", handleWorkflowResume(deps.Workflows))
			})
		}
		if deps.Definitions != nil {
			r.Get("/definitions", handleDefinitionList(deps.Definitions))
			r.Get("/definitions/{workflowType}", handleDefinitionGet(deps.Definitions))
		}
		if deps.Bus != nil {
			r.Get("/bus/stats", handleBusStats(deps.Bus))
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}
