package workflow

import (
	"context"

	"github.com/pitabwire/sagaflow/model"
)

// WorkflowStore persists workflow snapshots and their audit trail. The engine
// writes through to it on every transition; it never reads instances back in
// at startup.
type WorkflowStore interface {
	// Save upserts the latest snapshot of an instance.
	Save(ctx context.Context, instance model.WorkflowInstance) error

	// Load retrieves an instance by ID. Returns WORKFLOW_NOT_FOUND if the
	// store has no record of it.
	Load(ctx context.Context, workflowID string) (model.WorkflowInstance, error)

	// AppendEvent adds an entry to the workflow's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// Events returns a workflow's audit trail in append order.
	Events(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error)

	// ClearEvents drops a workflow's audit trail. The engine calls it before
	// a finished workflow ID is started again.
	ClearEvents(ctx context.Context, workflowID string) error
}

// HealthChecker is implemented by stores backed by an external system.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
