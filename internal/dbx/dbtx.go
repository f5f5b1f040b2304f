// Package dbx holds the transaction plumbing shared by the SQLite
// repositories: the DBTX query surface and WithTx.
//
// SQLITE LOCKING:
// database/sql starts every transaction with a plain BEGIN, which SQLite runs
// as DEFERRED. A deferred transaction takes the write lock at its first write,
// so two transactions that both read first (ResolveOAuthOwner, then an
// upsert) each hold a read snapshot, neither can upgrade, and SQLite fails
// one of them with SQLITE_BUSY at once. busy_timeout does not apply to that
// upgrade. File databases are therefore opened with _txlock=immediate: BEGIN
// takes the write lock up front and concurrent writers queue behind
// busy_timeout instead.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is the query surface shared by *sql.DB, *sql.Conn and *sql.Tx, so the
// same repository code runs inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner opens transactions. *sql.DB and *sql.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TxFunc is the body of a transaction. It must issue every statement through
// tx: touching the pool instead grabs a second connection, which on a
// single-connection in-memory database waits forever.
type TxFunc func(ctx context.Context, tx DBTX) error

// WithTx runs fn in one transaction. It commits when fn returns nil and rolls
// back when fn returns an error or panics; the panic is re-raised after the
// rollback. A failed rollback is joined to fn's error rather than hiding it.
//
//	err := dbx.WithTx(ctx, conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE users SET ... WHERE id = ?", id)
//	    return err
//	})
func WithTx(ctx context.Context, db Beginner, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("dbx: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("dbx: rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("dbx: commit: %w", cErr)
		}
	}()

	return fn(ctx, tx)
}
