package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/internal/observability"
	"github.com/pitabwire/sagaflow/model"
)

// defaultTenant is used when neither the body nor the token names a tenant.
const defaultTenant = "default"

// maxBodyBytes caps request bodies on the admin API.
const maxBodyBytes = 1 << 20

// WorkflowService is the part of the workflow engine the admin API drives.
type WorkflowService interface {
	StartWorkflow(ctx context.Context, workflowID, workflowType, tenantID string, data map[string]any) (string, error)
	SuspendWorkflow(ctx context.Context, workflowID, reason string) error
	ResumeWorkflow(ctx context.Context, workflowID string) error
	GetWorkflowStatus(ctx context.Context, workflowID string) (model.WorkflowInstance, bool)
	ListWorkflows(filter model.WorkflowFilters) []model.WorkflowInstance
	History(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error)
	Counts() map[model.WorkflowStatus]int
}

type startRequest struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowType string         `json:"workflow_type"`
	TenantID     string         `json:"tenant_id"`
	Data         map[string]any `json:"data"`
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

func handleWorkflowStart(svc WorkflowService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startRequest
		if err := decodeBody(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if body.WorkflowType == "" {
			WriteBadRequest(w, "workflow_type is required")
			return
		}

		rctx := model.RequestContextFrom(r.Context())
		tenantID := body.TenantID
		if tenantID == "" {
			tenantID = rctx.Tenant(defaultTenant)
		}

		log := observability.RequestLogger(r.Context(), logger)
		if ce := log.Check(zap.DebugLevel, "start workflow request"); ce != nil {
			ce.Write(
				zap.String("workflow_type", body.WorkflowType),
				zap.Any("data", observability.RedactBody(body.Data, nil)),
			)
		}

		id, err := svc.StartWorkflow(r.Context(), body.WorkflowID, body.WorkflowType, tenantID, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeInstance(w, r, svc, id, http.StatusCreated)
	}
}

func handleWorkflowGet(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeInstance(w, r, svc, chi.URLParam(r, "workflowId"), http.StatusOK)
	}
}

func handleWorkflowSuspend(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		var body suspendRequest
		if err := decodeBody(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		if err := svc.SuspendWorkflow(r.Context(), workflowID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		writeInstance(w, r, svc, workflowID, http.StatusOK)
	}
}

func handleWorkflowResume(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		if err := svc.ResumeWorkflow(r.Context(), workflowID); err != nil {
			WriteError(w, err)
			return
		}
		writeInstance(w, r, svc, workflowID, http.StatusOK)
	}
}

func handleWorkflowHistory(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		events, err := svc.History(r.Context(), workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.WorkflowEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"data":        events,
		})
	}
}

func handleWorkflowList(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.WorkflowFilters{
			TenantID:     q.Get("tenant_id"),
			WorkflowType: q.Get("workflow_type"),
			Status:       model.WorkflowStatus(q.Get("status")),
		}
		switch filters.Status {
		case "", model.StatusRunning, model.StatusSuspended, model.StatusCompleted, model.StatusFailed:
		default:
			WriteBadRequest(w, fmt.Sprintf("unknown status %q", filters.Status))
			return
		}

		instances := svc.ListWorkflows(filters)
		if instances == nil {
			instances = []model.WorkflowInstance{}
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        instances,
			"total_count": len(instances),
			"counts":      svc.Counts(),
		})
	}
}

// writeInstance renders the current snapshot of a workflow.
func writeInstance(w http.ResponseWriter, r *http.Request, svc WorkflowService, workflowID string, status int) {
	inst, ok := svc.GetWorkflowStatus(r.Context(), workflowID)
	if !ok {
		WriteError(w, model.NewWorkflowNotFoundError(workflowID))
		return
	}
	WriteJSON(w, status, inst)
}

// decodeBody reads a JSON request body into dst. When optional is set an
// empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
