package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/sagaflow/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	workflow_id    TEXT PRIMARY KEY,
	workflow_type  TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_step   INTEGER NOT NULL,
	steps_count    INTEGER NOT NULL,
	data           TEXT,
	suspend_reason TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	suspended_at   TEXT,
	resumed_at     TEXT,
	completed_at   TEXT,
	failed_at      TEXT,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_tenant_status ON workflow_instances (tenant_id, status);
CREATE TABLE IF NOT EXISTS workflow_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	workflow_id TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	event       TEXT NOT NULL,
	status      TEXT NOT NULL,
	step_index  INTEGER NOT NULL,
	data        TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_events_workflow ON workflow_events (workflow_id, seq);
`

// SqliteWorkflowStore is a WorkflowStore backed by an embedded SQLite file
// through modernc.org/sqlite.
type SqliteWorkflowStore struct {
	db *sql.DB
}

// OpenSqliteWorkflowStore opens (creating if needed) the database at path and
// applies the schema.
func OpenSqliteWorkflowStore(path string) (*SqliteWorkflowStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	s := &SqliteWorkflowStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteWorkflowStore) migrate() error {
	for _, raw := range strings.Split(sqliteSchema, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// Save upserts an instance snapshot.
func (s *SqliteWorkflowStore) Save(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (
			workflow_id, workflow_type, tenant_id, status,
			current_step, steps_count, data, suspend_reason, error,
			started_at, suspended_at, resumed_at, completed_at, failed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			data = excluded.data,
			suspend_reason = excluded.suspend_reason,
			error = excluded.error,
			suspended_at = excluded.suspended_at,
			resumed_at = excluded.resumed_at,
			completed_at = excluded.completed_at,
			failed_at = excluded.failed_at,
			updated_at = excluded.updated_at`,
		inst.WorkflowID, inst.WorkflowType, inst.TenantID, string(inst.Status),
		inst.CurrentStep, inst.StepsCount, string(dataJSON), inst.SuspendReason, inst.Error,
		formatTime(inst.StartedAt), formatTimePtr(inst.SuspendedAt), formatTimePtr(inst.ResumedAt),
		formatTimePtr(inst.CompletedAt), formatTimePtr(inst.FailedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow instance: %w", err)
	}
	return nil
}

// Load retrieves an instance by ID.
func (s *SqliteWorkflowStore) Load(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var status, startedAt, updatedAt string
	var dataJSON, suspendedAt, resumedAt, completedAt, failedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, workflow_type, tenant_id, status,
		       current_step, steps_count, data, suspend_reason, error,
		       started_at, suspended_at, resumed_at, completed_at, failed_at, updated_at
		FROM workflow_instances
		WHERE workflow_id = ?`,
		workflowID,
	).Scan(
		&inst.WorkflowID, &inst.WorkflowType, &inst.TenantID, &status,
		&inst.CurrentStep, &inst.StepsCount, &dataJSON, &inst.SuspendReason, &inst.Error,
		&startedAt, &suspendedAt, &resumedAt, &completedAt, &failedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewWorkflowNotFoundError(workflowID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}

	inst.Status = model.WorkflowStatus(status)
	if inst.StartedAt, err = parseTime(startedAt); err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.WorkflowInstance{}, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{suspendedAt, &inst.SuspendedAt},
		{resumedAt, &inst.ResumedAt},
		{completedAt, &inst.CompletedAt},
		{failedAt, &inst.FailedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		*f.dst = &t
	}
	if dataJSON.Valid {
		if err := json.Unmarshal([]byte(dataJSON.String), &inst.Data); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return inst, nil
}

// AppendEvent adds an entry to the workflow audit trail.
func (s *SqliteWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (
			id, workflow_id, tenant_id, event, status, step_index, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.WorkflowID, event.TenantID, event.Event,
		string(event.Status), event.StepIndex, string(dataJSON), formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// Events retrieves a workflow's audit trail in append order.
func (s *SqliteWorkflowStore) Events(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, tenant_id, event, status, step_index, data, created_at
		FROM workflow_events
		WHERE workflow_id = ?
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
		var status, createdAt string
		var dataJSON sql.NullString
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.TenantID, &evt.Event,
			&status, &evt.StepIndex, &dataJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		evt.Status = model.WorkflowStatus(status)
		if evt.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if dataJSON.Valid {
			_ = json.Unmarshal([]byte(dataJSON.String), &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ClearEvents deletes a workflow's audit trail.
func (s *SqliteWorkflowStore) ClearEvents(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_events WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("delete workflow events: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SqliteWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SqliteWorkflowStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
