// Package dbx owns the database lifecycle every other component depends on:
// opening the sqlite file with the required pragmas, a bounded connection
// pool, and transaction helpers.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/herrors"
)

// MaxPoolConns is the maximum number of open connections to the database.
const MaxPoolConns = 8

// BusyTimeout is the sqlite busy_timeout pragma value, in milliseconds.
const BusyTimeout = 5000

// DB wraps a *sql.DB opened against a single sqlite file with the engine's
// required pragmas applied.
type DB struct {
	Path   string
	sqlDB  *sql.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the sqlite database at path, applies the
// required pragmas, and bounds the connection pool.
func Open(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Connection-scoped pragmas (foreign_keys, busy_timeout, synchronous)
	// must ride the DSN so every pooled connection gets them, not just the
	// one an Exec happens to land on. journal_mode and wal_autocheckpoint
	// are included for the first connection that creates the file; WAL mode
	// itself is persistent once set.
	dsn := fmt.Sprintf("file:%s"+
		"?_pragma=busy_timeout(%d)"+
		"&_pragma=foreign_keys(1)"+
		"&_pragma=synchronous(FULL)"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=wal_autocheckpoint(1000)", path, BusyTimeout)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	sqlDB.SetMaxOpenConns(MaxPoolConns)
	sqlDB.SetMaxIdleConns(MaxPoolConns)

	// Probe one connection so a bad path or unwritable directory fails at
	// Open rather than on the first query.
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, herrors.FromSQLError(err).WithContext("pragma", "journal_mode=WAL")
	}

	return &DB{Path: path, sqlDB: sqlDB, logger: logger}, nil
}

// SQL returns the underlying *sql.DB for components that only need ordinary
// pooled reads.
func (d *DB) SQL() *sql.DB { return d.sqlDB }

// Close closes the underlying pool.
func (d *DB) Close() error { return d.sqlDB.Close() }

// WithTx runs fn inside an ordinary (deferred-mode) transaction, committing
// on success and rolling back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

// ImmediateTx is the handle passed to an WithImmediateTx callback. It wraps a
// single dedicated connection that already holds a RESERVED lock from a raw
// BEGIN IMMEDIATE; database/sql's *sql.Tx always issues its own DEFERRED
// begin (modernc.org/sqlite does not support BeginTx with an isolation mode),
// so the engine talks to the connection directly instead.
type ImmediateTx struct {
	conn *sql.Conn
}

func (t *ImmediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// WithImmediateTx runs fn inside a transaction started with BEGIN IMMEDIATE,
// which acquires a RESERVED lock up front so writers serialise instead of
// discovering a write-write conflict mid-transaction. This acquires a
// dedicated connection and issues the raw BEGIN IMMEDIATE/COMMIT statements
// itself. Retries starting the transaction on SQLITE_BUSY using an
// exponential backoff capped at the statement busy timeout.
func (d *DB) WithImmediateTx(ctx context.Context, fn func(tx *ImmediateTx) error) error {
	conn, err := d.sqlDB.Conn(ctx)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&ImmediateTx{conn: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return herrors.FromSQLError(err)
	}
	committed = true
	return nil
}

func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = BusyTimeout * time.Millisecond

	op := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return herrors.FromSQLError(err).WithContext("operation", "begin_immediate")
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// IsBusyTimeout reports whether err represents a pool/lock timeout, the one
// class of error the write path is allowed to retry once.
func IsBusyTimeout(err error) bool {
	var e *herrors.Error
	if errors.As(err, &e) {
		return e.Code == "SQLX/POOL_TIMEOUT"
	}
	return false
}
