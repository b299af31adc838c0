package model

import (
	"math"
	"time"
)

// Event priority bounds. Priority is informational metadata for consumers;
// the bus does not order dispatch by it.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Step command and outcome event types.
const (
	CommandStepPrefix        = "command.step."
	EventStepCompleted       = "event.step.completed"
	EventStepFailed          = "event.step.failed"
	PatternStepCommands      = "command.step.*"
	PatternWorkflowLifecycle = "workflow.*"
)

// Workflow lifecycle event types.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowSuspended = "workflow.suspended"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
)

// Event is an immutable fact broadcast on the bus. Data is interpreted by
// type-specific handlers.
type Event struct {
	ID            string         `json:"event_id"`
	Type          string         `json:"type"`
	TenantID      string         `json:"tenant_id"`
	Data          map[string]any `json:"data,omitempty"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	Timestamp     time.Time      `json:"timestamp"`
	PublishedAt   time.Time      `json:"published_at"`
}

// CommandType returns the event type of the command for a step type.
func CommandType(stepType string) string {
	return CommandStepPrefix + stepType
}

// ClampPriority forces p into the accepted [PriorityHighest, PriorityLowest]
// range. Zero means "unset" and maps to PriorityDefault.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	}
	return p
}

// String returns the string value stored under key, or "" if missing or of
// another type.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int returns the integer value stored under key. Numeric payloads that went
// through a JSON round trip arrive as float64 and are accepted when they hold
// a whole number that fits in an int.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt || v >= math.MaxInt {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}
