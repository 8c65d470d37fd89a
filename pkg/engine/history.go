package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HistoryKey identifies the snapshots to delete for an entity.
type HistoryKey struct {
	EntityID       string
	LegacyEntityID string

	// WorkflowExecutionID restricts the delete to one execution when set.
	WorkflowExecutionID string
}

// SnapshotObserver is notified of history writes. Metrics implement it.
type SnapshotObserver interface {
	RecordSnapshotSave(success bool)
	RecordSnapshotDelete(keyShape string, rows int64)
}

// History is the append-only snapshot history for entities.
type History struct {
	backend  PersistenceBackend
	logger   zerolog.Logger
	observer SnapshotObserver
}

// NewHistory wraps a persistence backend. The observer may be nil.
func NewHistory(backend PersistenceBackend, logger zerolog.Logger, observer SnapshotObserver) *History {
	return &History{
		backend:  backend,
		logger:   logger.With().Str("component", "history").Logger(),
		observer: observer,
	}
}

// Save appends a snapshot.
func (h *History) Save(ctx context.Context, snap *ExecutionSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	doc, err := MarshalSnapshot(snap)
	if err != nil {
		h.recordSave(false)
		return NewPersistenceFailureError("failed to encode snapshot", err).WithResource(snap.EntityID)
	}
	rec := &SnapshotRecord{
		EntityID:            snap.EntityID,
		WorkflowExecutionID: snap.WorkflowExecutionID,
		ProvisionerID:       snap.ProvisionerID,
		Command:             string(snap.Command),
		SchemaVersion:       snap.SchemaVersion,
		Document:            doc,
		CreatedAt:           snap.CreatedAt,
	}
	if err := h.backend.Append(ctx, rec); err != nil {
		h.recordSave(false)
		return NewPersistenceFailureError("failed to save snapshot", err).WithResource(snap.EntityID)
	}
	h.recordSave(true)
	h.logger.Debug().
		Str("entity_id", snap.EntityID).
		Int64("record_id", rec.ID).
		Str("command", string(snap.Command)).
		Msg("Saved snapshot")
	return nil
}

// FindLatest returns the newest snapshot for an entity, or nil when none exists.
func (h *History) FindLatest(ctx context.Context, entityID string) (*ExecutionSnapshot, error) {
	rec, err := h.backend.Latest(ctx, entityID)
	if err != nil {
		return nil, NewPersistenceFailureError("failed to load snapshot", err).WithResource(entityID)
	}
	if rec == nil {
		return nil, nil
	}
	snap, err := UnmarshalSnapshot(rec.Document)
	if err != nil {
		return nil, NewPersistenceFailureError("failed to decode snapshot", err).WithResource(entityID)
	}
	return snap, nil
}

// FindLatestByKey looks under the new key first and then the legacy key.
func (h *History) FindLatestByKey(ctx context.Context, key HistoryKey) (*ExecutionSnapshot, error) {
	snap, err := h.FindLatest(ctx, key.EntityID)
	if err != nil || snap != nil {
		return snap, err
	}
	if key.LegacyEntityID == "" || key.LegacyEntityID == key.EntityID {
		return nil, nil
	}
	snap, err = h.FindLatest(ctx, key.LegacyEntityID)
	if snap != nil {
		h.logger.Debug().
			Str("entity_id", key.EntityID).
			Str("legacy_entity_id", key.LegacyEntityID).
			Msg("Using snapshot stored under legacy entity id")
	}
	return snap, err
}

// List returns up to limit snapshots for an entity, newest first.
func (h *History) List(ctx context.Context, entityID string, limit int) ([]*ExecutionSnapshot, error) {
	recs, err := h.backend.List(ctx, entityID, limit)
	if err != nil {
		return nil, NewPersistenceFailureError("failed to list snapshots", err).WithResource(entityID)
	}
	out := make([]*ExecutionSnapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := UnmarshalSnapshot(rec.Document)
		if err != nil {
			return nil, NewPersistenceFailureError("failed to decode snapshot", err).WithResource(entityID)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete removes snapshots under the new key. When none were found and a
// legacy key is set, it retries under the legacy key. It reports whether any
// rows were removed.
func (h *History) Delete(ctx context.Context, key HistoryKey) (bool, error) {
	n, err := h.backend.DeleteAll(ctx, key.EntityID, key.WorkflowExecutionID)
	if err != nil {
		return false, NewPersistenceFailureError("failed to delete snapshots", err).WithResource(key.EntityID)
	}
	h.recordDelete("current", n)
	if n > 0 {
		if key.LegacyEntityID != "" && key.LegacyEntityID != key.EntityID {
			h.warnIfLegacyRowsRemain(ctx, key)
		}
		return true, nil
	}
	if key.LegacyEntityID == "" || key.LegacyEntityID == key.EntityID {
		return false, nil
	}

	n, err = h.backend.DeleteAll(ctx, key.LegacyEntityID, key.WorkflowExecutionID)
	if err != nil {
		return false, NewPersistenceFailureError("failed to delete legacy snapshots", err).WithResource(key.LegacyEntityID)
	}
	h.recordDelete("legacy", n)
	if n > 0 {
		h.logger.Info().
			Str("entity_id", key.EntityID).
			Str("legacy_entity_id", key.LegacyEntityID).
			Int64("rows", n).
			Msg("deleted snapshots under legacy entity id")
		return true, nil
	}
	h.logger.Info().
		Str("entity_id", key.EntityID).
		Str("legacy_entity_id", key.LegacyEntityID).
		Msg("no snapshots under legacy entity id")
	return false, nil
}

// warnIfLegacyRowsRemain flags entities that have rows under both key shapes.
// Only the new-shape rows are deleted in that case.
func (h *History) warnIfLegacyRowsRemain(ctx context.Context, key HistoryKey) {
	rec, err := h.backend.Latest(ctx, key.LegacyEntityID)
	if err != nil || rec == nil {
		return
	}
	h.logger.Warn().
		Str("entity_id", key.EntityID).
		Str("legacy_entity_id", key.LegacyEntityID).
		Msg("Snapshots exist under both entity id shapes, legacy rows left in place")
}

func (h *History) recordSave(success bool) {
	if h.observer != nil {
		h.observer.RecordSnapshotSave(success)
	}
}

func (h *History) recordDelete(shape string, rows int64) {
	if h.observer != nil {
		h.observer.RecordSnapshotDelete(shape, rows)
	}
}
