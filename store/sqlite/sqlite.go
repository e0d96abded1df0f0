/*
Package sqlite opens the SQLite-backed allocation store.

PURPOSE:
  Single-node deployments and local development. The schema and queries
  live in store/sqlstore; this package owns the driver and the connection
  settings SQLite needs.

CONCURRENCY:
  One open connection and a store-wide mutex. Every read-modify-write runs
  inside a transaction while the mutex is held, so check-then-insert and
  stock adjustments are linearisable.

WAL MODE:
  File databases are opened with WAL so readers are not blocked by the
  single writer.

USAGE:
  store, err := sqlite.New(ctx, "./data/bloodbank.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := allocation.NewService(store, allocation.DefaultPolicy())

SEE ALSO:
  - store/sqlstore: shared implementation
  - store/postgres: the server deployment
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/bloodbank/store/sqlstore"
)

// New opens (and migrates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func New(ctx context.Context, dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" gives every connection its own database.
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(ctx, db, sqlstore.SQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
