package workflow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SAGAFLOW_TEST_POSTGRES_DSN points at a scratch database; its workflow
// tables are truncated before the run.
func newTestPgStore(t *testing.T) *PgWorkflowStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres store test skipped in -short mode")
	}
	dsn := os.Getenv("SAGAFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAGAFLOW_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	store := NewPgWorkflowStore(pool)
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE workflow_events, workflow_instances"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestPgWorkflowStore(t *testing.T) {
	store := newTestPgStore(t)
	runStoreContract(t, store)
}

func TestPgWorkflowStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestPgStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestPgWorkflowStore_HealthCheck(t *testing.T) {
	store := newTestPgStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
