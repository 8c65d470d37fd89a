// Package stores persists execution snapshots.
//
// Two backends implement engine.PersistenceBackend: SQLiteStore (modernc,
// WAL mode) and PostgresStore (pgx stdlib driver). Both embed their schema
// migrations and apply them with golang-migrate. Open wraps the chosen
// backend in a RetryingBackend that retries lock contention and dropped
// connections with exponential backoff.
//
//	backend, err := stores.Open(ctx, stores.Config{
//		Driver:      stores.DriverSQLite,
//		DSN:         "/var/lib/provisioner/snapshots.db",
//		AutoMigrate: true,
//	}, logger)
//
// Rows are append-only. Each row holds one serialized snapshot document
// together with the identity it was saved under, so audit listings return
// every saved document for an entity, newest first.
package stores
