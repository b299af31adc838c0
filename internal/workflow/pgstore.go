package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sagaflow/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	workflow_id    TEXT PRIMARY KEY,
	workflow_type  TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_step   INTEGER NOT NULL,
	steps_count    INTEGER NOT NULL,
	data           JSONB,
	suspend_reason TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	suspended_at   TIMESTAMPTZ,
	resumed_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	failed_at      TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_tenant_status ON workflow_instances (tenant_id, status);
CREATE TABLE IF NOT EXISTS workflow_events (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	event       TEXT NOT NULL,
	status      TEXT NOT NULL,
	step_index  INTEGER NOT NULL,
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	seq         BIGSERIAL
);
CREATE INDEX IF NOT EXISTS workflow_events_workflow ON workflow_events (workflow_id, seq);
`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// Save upserts an instance snapshot.
func (s *PgWorkflowStore) Save(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			workflow_id, workflow_type, tenant_id, status,
			current_step, steps_count, data, suspend_reason, error,
			started_at, suspended_at, resumed_at, completed_at, failed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			data = EXCLUDED.data,
			suspend_reason = EXCLUDED.suspend_reason,
			error = EXCLUDED.error,
			suspended_at = EXCLUDED.suspended_at,
			resumed_at = EXCLUDED.resumed_at,
			completed_at = EXCLUDED.completed_at,
			failed_at = EXCLUDED.failed_at,
			updated_at = EXCLUDED.updated_at`,
		inst.WorkflowID, inst.WorkflowType, inst.TenantID, string(inst.Status),
		inst.CurrentStep, inst.StepsCount, dataJSON, inst.SuspendReason, inst.Error,
		inst.StartedAt, inst.SuspendedAt, inst.ResumedAt, inst.CompletedAt, inst.FailedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow instance: %w", err)
	}
	return nil
}

// Load retrieves an instance by ID.
func (s *PgWorkflowStore) Load(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var status string
	var dataJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, workflow_type, tenant_id, status,
		       current_step, steps_count, data, suspend_reason, error,
		       started_at, suspended_at, resumed_at, completed_at, failed_at, updated_at
		FROM workflow_instances
		WHERE workflow_id = $1`,
		workflowID,
	).Scan(
		&inst.WorkflowID, &inst.WorkflowType, &inst.TenantID, &status,
		&inst.CurrentStep, &inst.StepsCount, &dataJSON, &inst.SuspendReason, &inst.Error,
		&inst.StartedAt, &inst.SuspendedAt, &inst.ResumedAt, &inst.CompletedAt, &inst.FailedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewWorkflowNotFoundError(workflowID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}

	inst.Status = model.WorkflowStatus(status)
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return inst, nil
}

// AppendEvent adds an entry to the workflow audit trail.
func (s *PgWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_id, tenant_id, event, status, step_index, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowID, event.TenantID, event.Event,
		string(event.Status), event.StepIndex, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// Events retrieves a workflow's audit trail in append order.
func (s *PgWorkflowStore) Events(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, tenant_id, event, status, step_index, data, created_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var status string
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.TenantID, &evt.Event,
			&status, &evt.StepIndex, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		evt.Status = model.WorkflowStatus(status)
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ClearEvents deletes a workflow's audit trail.
func (s *PgWorkflowStore) ClearEvents(ctx context.Context, workflowID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_events WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete workflow events: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgWorkflowStore) Close() error {
	s.pool.Close()
	return nil
}
