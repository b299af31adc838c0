package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/sagaflow/model"
)

func TestMemoryWorkflowStore(t *testing.T) {
	runStoreContract(t, NewMemoryWorkflowStore())
}

func TestMemoryWorkflowStore_Len(t *testing.T) {
	store := NewMemoryWorkflowStore()
	ctx := context.Background()

	_ = store.Save(ctx, testInstance("wf-1", "t"))
	_ = store.Save(ctx, testInstance("wf-1", "t"))
	_ = store.Save(ctx, testInstance("wf-2", "t"))

	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestMemoryWorkflowStore_isolation(t *testing.T) {
	store := NewMemoryWorkflowStore()
	ctx := context.Background()

	inst := testInstance("wf-1", "t")
	_ = store.Save(ctx, inst)
	inst.Data["key"] = "mutated"

	got, _ := store.Load(ctx, "wf-1")
	if got.Data["key"] != "val" {
		t.Errorf("stored data changed through caller map: %v", got.Data["key"])
	}

	got.Data["key"] = "mutated again"
	again, _ := store.Load(ctx, "wf-1")
	if again.Data["key"] != "val" {
		t.Errorf("stored data changed through loaded map: %v", again.Data["key"])
	}

	_ = store.AppendEvent(ctx, testEvent("e1", "wf-1", model.EventWorkflowStarted, 0))
	events, _ := store.Events(ctx, "wf-1")
	events[0].Event = "tampered"
	events, _ = store.Events(ctx, "wf-1")
	if events[0].Event != model.EventWorkflowStarted {
		t.Errorf("Events() exposed internal slice")
	}
}

func TestMemoryWorkflowStore_retentionByCapacity(t *testing.T) {
	store := NewMemoryWorkflowStore(WithMemoryRetention(time.Hour, 2))
	ctx := context.Background()

	live := testInstance("wf-live", "t")
	_ = store.Save(ctx, live)

	for i := 0; i < 5; i++ {
		inst := testInstance(fmt.Sprintf("wf-%d", i), "t")
		inst.Status = model.StatusCompleted
		_ = store.Save(ctx, inst)
		_ = store.AppendEvent(ctx, testEvent(fmt.Sprintf("e-%d", i), inst.WorkflowID, model.EventWorkflowCompleted, 0))
	}

	waitForLen(t, store, 3)
	if _, err := store.Load(ctx, "wf-live"); err != nil {
		t.Errorf("running instance dropped: %v", err)
	}
	if _, err := store.Load(ctx, "wf-0"); !model.HasCode(err, model.ErrWorkflowNotFound) {
		t.Errorf("Load(wf-0) error = %v, want %s", err, model.ErrWorkflowNotFound)
	}
	if events, _ := store.Events(ctx, "wf-0"); len(events) != 0 {
		t.Errorf("evicted workflow kept %d events", len(events))
	}
	if _, err := store.Load(ctx, "wf-4"); err != nil {
		t.Errorf("newest terminal instance dropped: %v", err)
	}
}

func TestMemoryWorkflowStore_retentionByTTL(t *testing.T) {
	store := NewMemoryWorkflowStore(WithMemoryRetention(20*time.Millisecond, 10))
	ctx := context.Background()

	inst := testInstance("wf-done", "t")
	inst.Status = model.StatusFailed
	_ = store.Save(ctx, inst)

	waitForLen(t, store, 0)
}

func TestMemoryWorkflowStore_restartedInstanceSurvivesEviction(t *testing.T) {
	store := NewMemoryWorkflowStore(WithMemoryRetention(20*time.Millisecond, 10))
	ctx := context.Background()

	inst := testInstance("wf-1", "t")
	inst.Status = model.StatusCompleted
	_ = store.Save(ctx, inst)

	inst.Status = model.StatusRunning
	_ = store.Save(ctx, inst)

	time.Sleep(40 * time.Millisecond)
	got, err := store.Load(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %s, want RUNNING", got.Status)
	}
}

func waitForLen(t *testing.T, store *MemoryWorkflowStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d, want %d", store.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
