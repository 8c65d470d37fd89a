package stores

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"

	"github.com/openfroyo/provisioner/pkg/engine"
)

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// RetryingBackend retries transient errors of an underlying backend.
type RetryingBackend struct {
	next   engine.PersistenceBackend
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryingBackend wraps next with a backoff retry policy.
func NewRetryingBackend(next engine.PersistenceBackend, cfg RetryConfig, logger zerolog.Logger) *RetryingBackend {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 && cfg.BaseDelay == 0 && cfg.MaxDelay == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 2 * time.Second
	}
	return &RetryingBackend{
		next:   next,
		cfg:    cfg,
		logger: logger.With().Str("component", "stores").Logger(),
	}
}

func retryPolicy[T any](cfg RetryConfig, logger zerolog.Logger, op string, retryable func(error) bool) retrypolicy.RetryPolicy[T] {
	return retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return retryable(err)
		}).
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			logger.Warn().
				Err(e.LastError()).
				Str("operation", op).
				Int("attempt", e.Attempts()).
				Msg("retrying snapshot store operation")
		}).
		ReturnLastFailure().
		Build()
}

func withRetry[T any](ctx context.Context, b *RetryingBackend, op string, fn func() (T, error)) (T, error) {
	return failsafe.With(retryPolicy[T](b.cfg, b.logger, op, IsTransient)).WithContext(ctx).Get(fn)
}

// Append inserts a row. The insert is not idempotent, so only failures
// where the row cannot have been written are retried.
func (b *RetryingBackend) Append(ctx context.Context, rec *engine.SnapshotRecord) error {
	_, err := failsafe.With(retryPolicy[struct{}](b.cfg, b.logger, "append", IsSafeToRetryWrite)).
		WithContext(ctx).
		Get(func() (struct{}, error) {
			return struct{}{}, b.next.Append(ctx, rec)
		})
	return err
}

func (b *RetryingBackend) Latest(ctx context.Context, entityID string) (*engine.SnapshotRecord, error) {
	return withRetry(ctx, b, "latest", func() (*engine.SnapshotRecord, error) {
		return b.next.Latest(ctx, entityID)
	})
}

func (b *RetryingBackend) List(ctx context.Context, entityID string, limit int) ([]*engine.SnapshotRecord, error) {
	return withRetry(ctx, b, "list", func() ([]*engine.SnapshotRecord, error) {
		return b.next.List(ctx, entityID, limit)
	})
}

func (b *RetryingBackend) DeleteAll(ctx context.Context, entityID, workflowExecutionID string) (int64, error) {
	return withRetry(ctx, b, "delete_all", func() (int64, error) {
		return b.next.DeleteAll(ctx, entityID, workflowExecutionID)
	})
}

// Close closes the underlying backend.
func (b *RetryingBackend) Close() error {
	return b.next.Close()
}

// HealthCheck pings the wrapped store without retrying. Backends without a
// health check are assumed healthy.
func (b *RetryingBackend) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Unwrap returns the wrapped backend.
func (b *RetryingBackend) Unwrap() engine.PersistenceBackend {
	return b.next
}

// IsTransient reports whether a store error is worth retrying: lost
// connections, serialization conflicts and SQLite lock contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}

	return false
}

// IsSafeToRetryWrite reports whether a failed write is known not to have
// been applied: the statement never reached the server, the transaction
// was aborted, or SQLite refused the lock. A connection lost after the
// statement was sent is ambiguous and is not retried.
func IsSafeToRetryWrite(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// database/sql drivers only return ErrBadConn before the operation runs.
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}

	return false
}
