package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/provisioner/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore keeps snapshots in a SQLite database file.
type SQLiteStore struct {
	cfg   Config
	db    *sql.DB
	table snapshotTable
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cfg.setDefaults()
	return &SQLiteStore{cfg: cfg}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Init opens the database with WAL mode and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", sqliteDSN(s.cfg.DSN))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.table = snapshotTable{db: db}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.table.healthCheck(ctx)
}

// Append inserts a snapshot row and sets its ID.
func (s *SQLiteStore) Append(ctx context.Context, rec *engine.SnapshotRecord) error {
	return s.table.append(ctx, rec)
}

// Latest returns the newest snapshot for an entity, or nil.
func (s *SQLiteStore) Latest(ctx context.Context, entityID string) (*engine.SnapshotRecord, error) {
	return s.table.latest(ctx, entityID)
}

// List returns snapshots for an entity, newest first.
func (s *SQLiteStore) List(ctx context.Context, entityID string, limit int) ([]*engine.SnapshotRecord, error) {
	return s.table.list(ctx, entityID, limit)
}

// DeleteAll removes an entity's snapshots.
func (s *SQLiteStore) DeleteAll(ctx context.Context, entityID, workflowExecutionID string) (int64, error) {
	return s.table.deleteAll(ctx, entityID, workflowExecutionID)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
