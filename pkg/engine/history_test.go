package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func saveSnapshot(t *testing.T, h *History, entityID, workflowID string, command CommandKind) {
	t.Helper()
	req := testRequest()
	req.EntityID = entityID
	req.WorkflowExecutionID = workflowID
	req.Command = command
	if err := h.Save(context.Background(), NewSnapshot(req, ExecutionResult{Status: ResultSuccess}, time.Now())); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
}

func TestHistoryFindLatest(t *testing.T) {
	h := NewHistory(&memoryBackend{}, zerolog.Nop(), nil)
	ctx := context.Background()

	snap, err := h.FindLatest(ctx, "missing")
	if err != nil || snap != nil {
		t.Fatalf("FindLatest() = %v, %v, want nil, nil", snap, err)
	}

	saveSnapshot(t, h, "e1", "wf-1", CommandApply)
	saveSnapshot(t, h, "e1", "wf-2", CommandApply)

	snap, err = h.FindLatest(ctx, "e1")
	if err != nil {
		t.Fatalf("FindLatest() error: %v", err)
	}
	if snap.WorkflowExecutionID != "wf-2" {
		t.Errorf("latest = %s, want wf-2", snap.WorkflowExecutionID)
	}

	list, err := h.List(ctx, "e1", 0)
	if err != nil || len(list) != 2 || list[0].WorkflowExecutionID != "wf-2" {
		t.Errorf("List() = %v, %v", list, err)
	}
}

func TestHistoryFindLatestByKeyPrefersNewKey(t *testing.T) {
	h := NewHistory(&memoryBackend{}, zerolog.Nop(), nil)
	ctx := context.Background()
	key := HistoryKey{EntityID: "p-e-abc", LegacyEntityID: "p-e"}

	saveSnapshot(t, h, "p-e", "legacy", CommandApply)
	snap, err := h.FindLatestByKey(ctx, key)
	if err != nil || snap == nil || snap.WorkflowExecutionID != "legacy" {
		t.Fatalf("expected legacy fallback, got %v, %v", snap, err)
	}

	saveSnapshot(t, h, "p-e-abc", "current", CommandApply)
	snap, err = h.FindLatestByKey(ctx, key)
	if err != nil || snap == nil || snap.WorkflowExecutionID != "current" {
		t.Fatalf("expected new key, got %v, %v", snap, err)
	}
}

func TestHistoryDeleteFallsBackToLegacyKey(t *testing.T) {
	var buf bytes.Buffer
	backend := &memoryBackend{}
	h := NewHistory(backend, zerolog.New(&buf), nil)
	ctx := context.Background()

	saveSnapshot(t, h, "p-e", "wf-1", CommandApply)

	deleted, err := h.Delete(ctx, HistoryKey{EntityID: "p-e-abc", LegacyEntityID: "p-e"})
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	if backend.count("p-e") != 0 {
		t.Error("legacy rows were not deleted")
	}
	if !strings.Contains(buf.String(), "deleted snapshots under legacy entity id") {
		t.Errorf("missing legacy delete log: %s", buf.String())
	}

	buf.Reset()
	deleted, err = h.Delete(ctx, HistoryKey{EntityID: "p-e-abc", LegacyEntityID: "p-e"})
	if err != nil || deleted {
		t.Fatalf("second Delete() = %v, %v", deleted, err)
	}
	if !strings.Contains(buf.String(), "no snapshots under legacy entity id") {
		t.Errorf("missing empty legacy log: %s", buf.String())
	}
}

func TestHistoryDeleteLeavesLegacyRowsWhenNewKeyMatches(t *testing.T) {
	backend := &memoryBackend{}
	h := NewHistory(backend, zerolog.Nop(), nil)

	saveSnapshot(t, h, "p-e", "wf-1", CommandApply)
	saveSnapshot(t, h, "p-e-abc", "wf-2", CommandApply)

	deleted, err := h.Delete(context.Background(), HistoryKey{EntityID: "p-e-abc", LegacyEntityID: "p-e"})
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	if backend.count("p-e-abc") != 0 || backend.count("p-e") != 1 {
		t.Errorf("rows: new=%d legacy=%d", backend.count("p-e-abc"), backend.count("p-e"))
	}
}

func TestHistoryDeleteByWorkflowExecution(t *testing.T) {
	backend := &memoryBackend{}
	h := NewHistory(backend, zerolog.Nop(), nil)

	saveSnapshot(t, h, "e1", "wf-1", CommandApply)
	saveSnapshot(t, h, "e1", "wf-2", CommandApply)

	if _, err := h.Delete(context.Background(), HistoryKey{EntityID: "e1", WorkflowExecutionID: "wf-1"}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if backend.count("e1") != 1 {
		t.Errorf("rows = %d, want 1", backend.count("e1"))
	}
}

func TestHistoryBackendErrorsArePersistenceFailures(t *testing.T) {
	h := NewHistory(&memoryBackend{err: errors.New("disk full")}, zerolog.Nop(), nil)

	req := testRequest()
	err := h.Save(context.Background(), NewSnapshot(req, ExecutionResult{Status: ResultSuccess}, time.Now()))
	if !IsPersistenceFailure(err) {
		t.Errorf("Save() error = %v, want persistence failure", err)
	}
	if _, err := h.FindLatest(context.Background(), "e1"); !IsPersistenceFailure(err) {
		t.Errorf("FindLatest() error = %v, want persistence failure", err)
	}
}

func TestUnmarshalSnapshotRejectsNewerSchema(t *testing.T) {
	if _, err := UnmarshalSnapshot([]byte(`{"schema_version": 99}`)); err == nil {
		t.Error("expected error for newer schema version")
	}
	snap, err := UnmarshalSnapshot([]byte(`{"schema_version": 1, "entity_id": "e1", "future_field": true}`))
	if err != nil || snap.EntityID != "e1" {
		t.Errorf("UnmarshalSnapshot() = %v, %v", snap, err)
	}
}
