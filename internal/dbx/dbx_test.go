package dbx

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := Open(ctx, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := openTestDB(t)

	var mode string
	require.NoError(t, db.SQL().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.SQL().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "hello")
		return execErr
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	sentinel := assert.AnError
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "x"); execErr != nil {
			return execErr
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithImmediateTxCommitsOnSuccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = db.WithImmediateTx(ctx, func(tx *ImmediateTx) error {
		_, execErr := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "hello")
		return execErr
	})
	require.NoError(t, err)

	var v string
	require.NoError(t, db.SQL().QueryRow("SELECT v FROM t").Scan(&v))
	assert.Equal(t, "hello", v)
}

func TestWithImmediateTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	sentinel := assert.AnError
	err = db.WithImmediateTx(ctx, func(tx *ImmediateTx) error {
		if _, execErr := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "x"); execErr != nil {
			return execErr
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestIsBusyTimeout(t *testing.T) {
	assert.False(t, IsBusyTimeout(nil))
	assert.False(t, IsBusyTimeout(assert.AnError))
}
