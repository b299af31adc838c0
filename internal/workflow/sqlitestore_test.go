package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/sagaflow/model"
)

func openTestSqlite(t *testing.T) (*SqliteWorkflowStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "workflows.db")
	store, err := OpenSqliteWorkflowStore(path)
	if err != nil {
		t.Fatalf("OpenSqliteWorkflowStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSqliteWorkflowStore(t *testing.T) {
	store, _ := openTestSqlite(t)
	runStoreContract(t, store)
}

func TestSqliteWorkflowStore_reopenKeepsData(t *testing.T) {
	store, path := openTestSqlite(t)
	ctx := context.Background()

	inst := testInstance("wf-durable", "t")
	done := inst.StartedAt.Add(2 * time.Second)
	inst.Status = model.StatusCompleted
	inst.CompletedAt = &done
	inst.CurrentStep = 4
	if err := store.Save(ctx, inst); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	reopened, err := OpenSqliteWorkflowStore(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, "wf-durable")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
}

func TestSqliteWorkflowStore_HealthCheck(t *testing.T) {
	store, _ := openTestSqlite(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
}
