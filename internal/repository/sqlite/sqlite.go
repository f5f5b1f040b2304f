// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database — it lives inside your Go binary as a single file.
// No separate database server to install, configure, or manage. The identity
// store is small, write-light and single-node, and tests use ":memory:".
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means you need a C compiler installed and
// cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code — no C compiler needed.
//
// TRANSACTIONS:
// Every query lives on the unexported queries type, which talks to a
// dbx.DBTX. The DB value binds queries to the pool; WithTx binds a fresh
// queries value to the open *sql.Tx. The same SQL therefore runs inside or
// outside a transaction without duplication.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	// BLANK IMPORT side effect: the driver registers itself with database/sql
	// under the name "sqlite". We also use its Error type to classify
	// constraint violations.
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/identity-core/internal/dbx"
	"github.com/sakif/identity-core/internal/repository"
	"github.com/sakif/identity-core/internal/repository/sqlite/migrations"
)

// compile-time checks
var (
	_ repository.Store = (*DB)(nil)
	_ repository.Tx    = (*queries)(nil)
)

// queries holds every SQL statement of the identity store, bound to either
// the pool or a transaction.
type queries struct {
	db dbx.DBTX
}

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	queries
	conn *sql.DB
}

// gooseUp is a seam for testing goose.UpContext.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// New opens the SQLite database at dbPath and applies pending migrations.
//
// dbPath examples:
//   - "data/identity.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests; lost on close)
//
// PRAGMAS:
// PRAGMAs are per connection, so file databases get them through the DSN and
// every pooled connection is configured the same way. An in-memory database
// exists only inside its one connection, so the pool is pinned to a single
// connection and the PRAGMAs run once.
//
// File databases also set _txlock=immediate so every transaction takes the
// write lock at BEGIN (see package dbx). Concurrent OAuth callbacks for the
// same identity then run one after another instead of failing with
// SQLITE_BUSY. The in-memory pool has one connection and never contends.
func New(dbPath string) (*DB, error) {
	inMemory := dbPath == ":memory:"

	dsn := dbPath
	if !inMemory {
		dsn = "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if inMemory {
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
		conn.SetConnMaxIdleTime(0)
	}

	// Ping verifies the connection actually works. Without this, a bad path
	// would only surface on the first query.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if inMemory {
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
		}
	}

	if err := migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return &DB{queries: queries{db: conn}, conn: conn}, nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUp(ctx, conn, ".")
}

// Close closes the database connection pool.
//
// ALWAYS DEFER CLOSE:
//
//	db, err := sqlite.New("data/identity.db")
//	if err != nil { ... }
//	defer db.Close()
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable. Used by the health check.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WithTx runs fn inside one transaction. fn must use only the Tx it is
// given; any error (or panic) rolls back every statement it issued.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return dbx.WithTx(ctx, db.conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &queries{db: tx})
	})
}

// isUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY constraint
// failure on the given "table.column" (any column when target is "").
func isUniqueViolation(err error, target string) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
	default:
		return false
	}
	return target == "" || strings.Contains(se.Error(), target)
}

// nullTime converts an optional timestamp for storage.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr converts a scanned nullable timestamp back to *time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
