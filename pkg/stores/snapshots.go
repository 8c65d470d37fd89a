package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

const snapshotColumns = `id, entity_id, workflow_execution_id, provisioner_id, command, schema_version, document, created_at`

// snapshotTable runs the snapshot queries shared by both drivers. Queries
// are written with ? placeholders and rebound for the driver.
type snapshotTable struct {
	db       *sql.DB
	numbered bool
}

func (t snapshotTable) bind(query string) string {
	if !t.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t snapshotTable) append(ctx context.Context, rec *engine.SnapshotRecord) error {
	if t.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := t.bind(`
		INSERT INTO snapshots (entity_id, workflow_execution_id, provisioner_id, command, schema_version, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	err := t.db.QueryRowContext(ctx, query,
		rec.EntityID,
		rec.WorkflowExecutionID,
		rec.ProvisionerID,
		rec.Command,
		rec.SchemaVersion,
		rec.Document,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (t snapshotTable) list(ctx context.Context, entityID string, limit int) ([]*engine.SnapshotRecord, error) {
	if t.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE entity_id = ? ORDER BY id DESC`
	args := []interface{}{entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, t.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var recs []*engine.SnapshotRecord
	for rows.Next() {
		var rec engine.SnapshotRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.EntityID,
			&rec.WorkflowExecutionID,
			&rec.ProvisionerID,
			&rec.Command,
			&rec.SchemaVersion,
			&rec.Document,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return recs, nil
}

func (t snapshotTable) latest(ctx context.Context, entityID string) (*engine.SnapshotRecord, error) {
	recs, err := t.list(ctx, entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (t snapshotTable) deleteAll(ctx context.Context, entityID, workflowExecutionID string) (int64, error) {
	if t.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `DELETE FROM snapshots WHERE entity_id = ?`
	args := []interface{}{entityID}
	if workflowExecutionID != "" {
		query += ` AND workflow_execution_id = ?`
		args = append(args, workflowExecutionID)
	}

	result, err := t.db.ExecContext(ctx, t.bind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted snapshots: %w", err)
	}
	return n, nil
}

func (t snapshotTable) healthCheck(ctx context.Context) error {
	if t.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
