package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/provisioner/pkg/engine"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore keeps snapshots in Postgres through the pgx stdlib driver.
type PostgresStore struct {
	cfg   Config
	db    *sql.DB
	table snapshotTable
}

// NewPostgresStore creates a new Postgres store instance. Call Init before use.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg.setDefaults()
	return &PostgresStore{cfg: cfg}, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: snapshotTable{db: db, numbered: true},
	}
}

// Init opens the connection pool.
func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", s.cfg.DSN)
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
	s.table = snapshotTable{db: db, numbered: true}
	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(s.db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.table.healthCheck(ctx)
}

func (s *PostgresStore) Append(ctx context.Context, rec *engine.SnapshotRecord) error {
	return s.table.append(ctx, rec)
}

func (s *PostgresStore) Latest(ctx context.Context, entityID string) (*engine.SnapshotRecord, error) {
	return s.table.latest(ctx, entityID)
}

func (s *PostgresStore) List(ctx context.Context, entityID string, limit int) ([]*engine.SnapshotRecord, error) {
	return s.table.list(ctx, entityID, limit)
}

func (s *PostgresStore) DeleteAll(ctx context.Context, entityID, workflowExecutionID string) (int64, error) {
	return s.table.deleteAll(ctx, entityID, workflowExecutionID)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
