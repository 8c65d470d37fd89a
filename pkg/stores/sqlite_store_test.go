package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		DSN: filepath.Join(t.TempDir(), "snapshots.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func snapshot(entityID, workflowID, command string) *engine.SnapshotRecord {
	return &engine.SnapshotRecord{
		EntityID:            entityID,
		WorkflowExecutionID: workflowID,
		ProvisionerID:       "prov-1",
		Command:             command,
		SchemaVersion:       engine.SnapshotSchemaVersion,
		Document:            []byte(`{"command":"` + command + `"}`),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{DSN: filepath.Join(t.TempDir(), "lifecycle.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New(Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestStoreMigrationsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestAppendAndLatest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := snapshot("e1", "wf-1", "APPLY")
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected id to be set")
	}
	if first.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	second := snapshot("e1", "wf-1", "PLAN")
	if err := store.Append(ctx, second); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}

	latest, err := store.Latest(ctx, "e1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("latest = %+v, want id %d", latest, second.ID)
	}
	if latest.Command != "PLAN" || string(latest.Document) != `{"command":"PLAN"}` {
		t.Errorf("unexpected row: %+v", latest)
	}

	none, err := store.Latest(ctx, "missing")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown entity, got %+v", none)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, cmd := range []string{"PLAN", "APPLY", "DESTROY"} {
		if err := store.Append(ctx, snapshot("e1", "", cmd)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := store.Append(ctx, snapshot("e2", "", "APPLY")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	all, err := store.List(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].Command != "DESTROY" || all[2].Command != "PLAN" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].Command, all[1].Command, all[2].Command)
	}

	limited, err := store.List(ctx, "e1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 rows, got %d", len(limited))
	}
}

func TestDeleteAll(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rows := []*engine.SnapshotRecord{
		snapshot("e1", "wf-1", "APPLY"),
		snapshot("e1", "wf-1", "APPLY"),
		snapshot("e1", "wf-2", "APPLY"),
		snapshot("e2", "wf-1", "APPLY"),
	}
	for _, r := range rows {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	n, err := store.DeleteAll(ctx, "e1", "wf-1")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}

	n, err = store.DeleteAll(ctx, "e1", "")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}

	left, err := store.List(ctx, "e2", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(left) != 1 {
		t.Errorf("other entity lost rows: %d left", len(left))
	}
}

func TestHistoryOverSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	h := engine.NewHistory(store, zerolog.Nop(), nil)

	req := engine.ExecutionRequest{
		ProvisionerID:       "prov-1",
		Kind:                engine.KindTerraform,
		EntityID:            "prov-1-env-1-abc",
		LegacyEntityID:      "prov-1-env-1",
		EnvironmentID:       "env-1",
		WorkflowExecutionID: "wf-1",
		Command:             engine.CommandApply,
		Variables:           map[string]string{"region": "us-east-1"},
	}
	if err := h.Save(ctx, engine.NewSnapshot(req, engine.ExecutionResult{Status: engine.ResultSuccess}, time.Now())); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	snap, err := h.FindLatestByKey(ctx, engine.HistoryKey{EntityID: req.EntityID, LegacyEntityID: req.LegacyEntityID})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if snap == nil || snap.Variables["region"] != "us-east-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	deleted, err := h.Delete(ctx, engine.HistoryKey{EntityID: req.EntityID, LegacyEntityID: req.LegacyEntityID})
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if n, _ := store.List(ctx, req.EntityID, 0); len(n) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(n))
	}
}
