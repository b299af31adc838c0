package model

import "time"

// WorkflowStatus is the state of a workflow instance.
type WorkflowStatus string

// Workflow instance statuses. COMPLETED and FAILED are terminal.
const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusSuspended WorkflowStatus = "SUSPENDED"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
)

// DefaultSuspendReason is recorded when a suspend carries no reason.
const DefaultSuspendReason = "manual_suspend"

// Terminal reports whether no further transition is legal from s.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is one unit of work in a workflow definition. Type selects the
// command event (command.step.<type>) that asks an executor to run it.
type Step struct {
	Name   string         `yaml:"name"   json:"name"`
	Type   string         `yaml:"type"   json:"type"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// WorkflowDefinition maps a workflow type to its ordered steps.
type WorkflowDefinition struct {
	Type        string `yaml:"type"        json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
	Steps       []Step `yaml:"steps"       json:"steps"`
}

// DefinitionFile is the root structure of a definition YAML file.
type DefinitionFile struct {
	Workflows []WorkflowDefinition `yaml:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-"`
}

// WorkflowInstance is the mutable state of one running saga. Values of this
// type handed out by the engine are snapshots and safe to keep.
type WorkflowInstance struct {
	WorkflowID    string         `json:"workflow_id"`
	WorkflowType  string         `json:"workflow_type"`
	TenantID      string         `json:"tenant_id"`
	Data          map[string]any `json:"data,omitempty"`
	Status        WorkflowStatus `json:"status"`
	CurrentStep   int            `json:"current_step"`
	StepsCount    int            `json:"steps_count"`
	StartedAt     time.Time      `json:"started_at"`
	SuspendedAt   *time.Time     `json:"suspended_at,omitempty"`
	ResumedAt     *time.Time     `json:"resumed_at,omitempty"`
	SuspendReason string         `json:"suspend_reason,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep enough copy that callers can't mutate engine state
// through maps or time pointers.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	if w.Data != nil {
		out.Data = make(map[string]any, len(w.Data))
		for k, v := range w.Data {
			out.Data[k] = v
		}
	}
	out.SuspendedAt = cloneTime(w.SuspendedAt)
	out.ResumedAt = cloneTime(w.ResumedAt)
	out.CompletedAt = cloneTime(w.CompletedAt)
	out.FailedAt = cloneTime(w.FailedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	TenantID     string
	WorkflowType string
	Status       WorkflowStatus
}

// Matches reports whether inst satisfies every non-empty filter.
func (f WorkflowFilters) Matches(inst WorkflowInstance) bool {
	if f.TenantID != "" && inst.TenantID != f.TenantID {
		return false
	}
	if f.WorkflowType != "" && inst.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// WorkflowEvent is one entry of a workflow's audit trail. The engine appends
// one for every lifecycle transition and accepted step signal.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id"`
	Event      string         `json:"event"`
	Status     WorkflowStatus `json:"status"`
	StepIndex  int            `json:"step_index"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
