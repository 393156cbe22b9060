package household

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/migrate"
)

// openRepairDB migrates only the household table, with no repair hook, so
// each test controls the starting row set exactly.
func openRepairDB(t *testing.T) *dbx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := dbx.Open(ctx, filepath.Join(t.TempDir(), "repair.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	engine, err := migrate.New(db, nil)
	require.NoError(t, err)
	_, err = engine.Up(ctx, "0001_household", nil)
	require.NoError(t, err)
	return db
}

func runRepair(t *testing.T, db *dbx.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.WithImmediateTx(ctx, func(tx *dbx.ImmediateTx) error {
		return RepairDefault(ctx, tx)
	}))
}

func defaultCount(t *testing.T, db *dbx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL().QueryRow(`
		SELECT COUNT(*) FROM household WHERE is_default = 1 AND deleted_at IS NULL`).Scan(&n))
	return n
}

func TestRepairSeedsDefaultOnEmptyTable(t *testing.T) {
	db := openRepairDB(t)
	runRepair(t, db)

	assert.Equal(t, 1, defaultCount(t, db))

	var name string
	require.NoError(t, db.SQL().QueryRow(`SELECT name FROM household WHERE is_default = 1`).Scan(&name))
	assert.Equal(t, "Default Household", name)
}

func TestRepairPromotesOldestWhenNoDefault(t *testing.T) {
	db := openRepairDB(t)
	_, err := db.SQL().Exec(`
		INSERT INTO household (id, name, created_at, updated_at, is_default) VALUES
		('younger', 'Younger', 200, 200, 0),
		('older', 'Older', 100, 100, 0)`)
	require.NoError(t, err)

	runRepair(t, db)

	assert.Equal(t, 1, defaultCount(t, db))
	var id string
	require.NoError(t, db.SQL().QueryRow(`SELECT id FROM household WHERE is_default = 1`).Scan(&id))
	assert.Equal(t, "older", id)
}

func TestRepairTieBreaksOnID(t *testing.T) {
	db := openRepairDB(t)
	_, err := db.SQL().Exec(`
		INSERT INTO household (id, name, created_at, updated_at, is_default) VALUES
		('bbb', 'B', 100, 100, 0),
		('aaa', 'A', 100, 100, 0)`)
	require.NoError(t, err)

	runRepair(t, db)

	var id string
	require.NoError(t, db.SQL().QueryRow(`SELECT id FROM household WHERE is_default = 1`).Scan(&id))
	assert.Equal(t, "aaa", id)
}

func TestRepairIsNoOpWhenInvariantHolds(t *testing.T) {
	db := openRepairDB(t)
	_, err := db.SQL().Exec(`
		INSERT INTO household (id, name, created_at, updated_at, is_default) VALUES
		('main', 'Main', 100, 100, 1),
		('second', 'Second', 200, 200, 0)`)
	require.NoError(t, err)

	runRepair(t, db)

	assert.Equal(t, 1, defaultCount(t, db))
	var id string
	require.NoError(t, db.SQL().QueryRow(`SELECT id FROM household WHERE is_default = 1`).Scan(&id))
	assert.Equal(t, "main", id)
}

func TestRepairIgnoresSoftDeletedRows(t *testing.T) {
	db := openRepairDB(t)
	_, err := db.SQL().Exec(`
		INSERT INTO household (id, name, created_at, updated_at, deleted_at, is_default) VALUES
		('gone', 'Gone', 50, 50, 999, 0),
		('alive', 'Alive', 100, 100, NULL, 0)`)
	require.NoError(t, err)

	runRepair(t, db)

	var id string
	require.NoError(t, db.SQL().QueryRow(`SELECT id FROM household WHERE is_default = 1`).Scan(&id))
	assert.Equal(t, "alive", id, "soft-deleted rows are never promoted")
}
