package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/sagaflow/model"
)

func testInstance(workflowID, tenantID string) model.WorkflowInstance {
	started := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	return model.WorkflowInstance{
		WorkflowID:   workflowID,
		WorkflowType: "data_processing",
		TenantID:     tenantID,
		Data:         map[string]any{"key": "val"},
		Status:       model.StatusRunning,
		CurrentStep:  0,
		StepsCount:   4,
		StartedAt:    started,
		UpdatedAt:    started,
	}
}

func testEvent(id, workflowID, name string, step int) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:         id,
		WorkflowID: workflowID,
		TenantID:   "tenant-1",
		Event:      name,
		Status:     model.StatusRunning,
		StepIndex:  step,
		Data:       map[string]any{"step": "x"},
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// runStoreContract exercises the behaviour every WorkflowStore shares.
func runStoreContract(t *testing.T, store WorkflowStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		_, err := store.Load(ctx, "nope")
		if !model.HasCode(err, model.ErrWorkflowNotFound) {
			t.Fatalf("Load(nope) error = %v, want %s", err, model.ErrWorkflowNotFound)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		inst := testInstance("wf-1", "tenant-1")
		if err := store.Save(ctx, inst); err != nil {
			t.Fatalf("Save error: %v", err)
		}

		got, err := store.Load(ctx, "wf-1")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if got.WorkflowType != "data_processing" || got.TenantID != "tenant-1" {
			t.Errorf("Load = %+v", got)
		}
		if got.Status != model.StatusRunning {
			t.Errorf("Status = %s, want RUNNING", got.Status)
		}
		if got.StepsCount != 4 {
			t.Errorf("StepsCount = %d, want 4", got.StepsCount)
		}
		if !got.StartedAt.Equal(inst.StartedAt) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, inst.StartedAt)
		}
		if got.Data["key"] != "val" {
			t.Errorf("Data[key] = %v, want val", got.Data["key"])
		}
		if got.SuspendedAt != nil || got.CompletedAt != nil {
			t.Error("unset timestamps should stay nil")
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		inst := testInstance("wf-2", "tenant-1")
		if err := store.Save(ctx, inst); err != nil {
			t.Fatalf("Save error: %v", err)
		}

		suspended := inst.UpdatedAt.Add(time.Minute)
		inst.Status = model.StatusSuspended
		inst.CurrentStep = 2
		inst.SuspendedAt = &suspended
		inst.SuspendReason = "maintenance"
		inst.UpdatedAt = suspended
		if err := store.Save(ctx, inst); err != nil {
			t.Fatalf("Save error: %v", err)
		}

		got, err := store.Load(ctx, "wf-2")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if got.Status != model.StatusSuspended || got.CurrentStep != 2 {
			t.Errorf("got status=%s step=%d, want SUSPENDED/2", got.Status, got.CurrentStep)
		}
		if got.SuspendReason != "maintenance" {
			t.Errorf("SuspendReason = %q", got.SuspendReason)
		}
		if got.SuspendedAt == nil || !got.SuspendedAt.Equal(suspended) {
			t.Errorf("SuspendedAt = %v, want %v", got.SuspendedAt, suspended)
		}
	})

	t.Run("events in append order", func(t *testing.T) {
		names := []string{model.EventWorkflowStarted, model.EventStepCompleted, model.EventWorkflowCompleted}
		for i, name := range names {
			if err := store.AppendEvent(ctx, testEvent("evt-"+name, "wf-3", name, i)); err != nil {
				t.Fatalf("AppendEvent error: %v", err)
			}
		}
		if err := store.AppendEvent(ctx, testEvent("evt-other", "wf-other", model.EventWorkflowStarted, 0)); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}

		events, err := store.Events(ctx, "wf-3")
		if err != nil {
			t.Fatalf("Events error: %v", err)
		}
		if len(events) != len(names) {
			t.Fatalf("len(events) = %d, want %d", len(events), len(names))
		}
		for i, evt := range events {
			if evt.Event != names[i] {
				t.Errorf("events[%d].Event = %s, want %s", i, evt.Event, names[i])
			}
			if evt.StepIndex != i {
				t.Errorf("events[%d].StepIndex = %d, want %d", i, evt.StepIndex, i)
			}
			if evt.Data["step"] != "x" {
				t.Errorf("events[%d].Data = %v", i, evt.Data)
			}
		}
	})

	t.Run("clear events", func(t *testing.T) {
		if err := store.AppendEvent(ctx, testEvent("evt-clear-1", "wf-4", model.EventWorkflowStarted, 0)); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
		if err := store.AppendEvent(ctx, testEvent("evt-keep", "wf-5", model.EventWorkflowStarted, 0)); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
		if err := store.ClearEvents(ctx, "wf-4"); err != nil {
			t.Fatalf("ClearEvents error: %v", err)
		}
		if err := store.ClearEvents(ctx, "never-seen"); err != nil {
			t.Fatalf("ClearEvents(never-seen) error: %v", err)
		}

		if events, _ := store.Events(ctx, "wf-4"); len(events) != 0 {
			t.Errorf("len(events) after clear = %d, want 0", len(events))
		}
		if events, _ := store.Events(ctx, "wf-5"); len(events) != 1 {
			t.Errorf("other workflow lost its history: len = %d, want 1", len(events))
		}

		if err := store.AppendEvent(ctx, testEvent("evt-clear-2", "wf-4", model.EventWorkflowStarted, 0)); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
		if events, _ := store.Events(ctx, "wf-4"); len(events) != 1 || events[0].ID != "evt-clear-2" {
			t.Errorf("events after re-append = %+v", events)
		}
	})

	t.Run("events for unknown workflow", func(t *testing.T) {
		events, err := store.Events(ctx, "never-seen")
		if err != nil {
			t.Fatalf("Events error: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("len(events) = %d, want 0", len(events))
		}
	})
}
