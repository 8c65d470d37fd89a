package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds snapshot store configuration.
type Config struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`

	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" json:"dsn" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// AutoMigrate applies pending migrations when the store opens.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`

	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RetryConfig controls retries of transient store errors.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// Store is a snapshot backend with lifecycle operations.
type Store interface {
	engine.PersistenceBackend

	// Init opens the connection pool.
	Init(ctx context.Context) error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error
}

// New creates an unopened store for cfg.Driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverPostgres:
		return NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Open creates, initializes and optionally migrates a store, and wraps it
// with retries for transient errors.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (engine.PersistenceBackend, error) {
	store, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	logger.Info().
		Str("component", "stores").
		Str("driver", cfg.Driver).
		Bool("auto_migrate", cfg.AutoMigrate).
		Msg("snapshot store opened")

	return NewRetryingBackend(store, cfg.Retry, logger), nil
}
