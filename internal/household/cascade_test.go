package household

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/migrate"
)

func openCascadeDB(t *testing.T) *dbx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := dbx.Open(ctx, filepath.Join(t.TempDir(), "cascade.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	engine, err := migrate.New(db, nil)
	require.NoError(t, err)
	_, err = engine.Up(ctx, "", RepairDefault)
	require.NoError(t, err)
	return db
}

func cascadeClock() clock.Clock {
	return clock.Fixed{At: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// seedHousehold populates a non-default household with a note, an event, a
// category, a note link, and a vault subtree of files.
func seedHousehold(t *testing.T, db *dbx.DB, id, vaultBase string, fileCount int) {
	t.Helper()
	exec := func(query string, args ...any) {
		t.Helper()
		_, err := db.SQL().Exec(query, args...)
		require.NoError(t, err)
	}
	exec(`INSERT INTO household (id, name, created_at, updated_at, is_default) VALUES (?, ?, 0, 0, 0)`, id, "household "+id)
	exec(`INSERT INTO notes (id, household_id, body, created_at, updated_at) VALUES (?, ?, 'note body', 0, 0)`, id+"-n1", id)
	exec(`INSERT INTO events (id, household_id, title, start_at_utc, tz, created_at, updated_at) VALUES (?, ?, 'picnic', 0, 'UTC', 0, 0)`, id+"-e1", id)
	exec(`INSERT INTO categories (id, household_id, name, created_at, updated_at) VALUES (?, ?, 'chores', 0, 0)`, id+"-c1", id)
	exec(`INSERT INTO note_links (id, household_id, note_id, entity_table, entity_id, created_at) VALUES (?, ?, ?, 'events', ?, 0)`, id+"-l1", id, id+"-n1", id+"-e1")

	dir := filepath.Join(vaultBase, id, "notes")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < fileCount; i++ {
		name := filepath.Join(dir, "doc"+string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(name, []byte("contents"), 0o600))
	}
}

func countRows(t *testing.T, db *dbx.DB, table, householdID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE household_id = ?`, householdID).Scan(&n))
	return n
}

func TestCascadeRefusesDefaultHousehold(t *testing.T) {
	db := openCascadeDB(t)
	ctx := context.Background()

	var defaultID string
	require.NoError(t, db.SQL().QueryRow(`SELECT id FROM household WHERE is_default = 1`).Scan(&defaultID))

	_, err := Cascade(ctx, db, cascadeClock(), nil, CascadeOptions{HouseholdID: defaultID}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, "DEFAULT_UNDELETABLE", herrors.Code(err))
}

func TestCascadeOfMissingHouseholdCompletes(t *testing.T) {
	db := openCascadeDB(t)
	ctx := context.Background()

	result, err := Cascade(ctx, db, cascadeClock(), nil, CascadeOptions{HouseholdID: "no-such-household"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
}

func TestCascadeDeletesRowsFilesAndQueuesVacuum(t *testing.T) {
	db := openCascadeDB(t)
	ctx := context.Background()
	vaultBase := t.TempDir()
	seedHousehold(t, db, "h2", vaultBase, 3)

	result, err := Cascade(ctx, db, cascadeClock(), nil,
		CascadeOptions{HouseholdID: "h2", VaultBase: vaultBase}, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	for _, table := range []string{"note_links", "notes", "events", "categories"} {
		assert.Zero(t, countRows(t, db, table, "h2"), table)
	}
	var households int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM household WHERE id = 'h2'`).Scan(&households))
	assert.Zero(t, households)

	_, statErr := os.Stat(filepath.Join(vaultBase, "h2"))
	assert.True(t, os.IsNotExist(statErr), "the vault subtree must be gone")

	var queued int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM cascade_vacuum_queue WHERE household_id = 'h2'`).Scan(&queued))
	assert.Equal(t, int64(1), queued)
}

func TestCascadeResumesAfterFileCleanupCancellation(t *testing.T) {
	db := openCascadeDB(t)
	ctx := context.Background()
	vaultBase := t.TempDir()
	seedHousehold(t, db, "h2", vaultBase, 4)

	var cancelFlag atomic.Bool
	first, err := Cascade(ctx, db, cascadeClock(), nil,
		CascadeOptions{HouseholdID: "h2", VaultBase: vaultBase, ChunkSize: 2},
		cancelFlag.Load,
		func(p CascadeProgress) {
			if p.Phase == "files_cleanup" {
				cancelFlag.Store(true)
			}
		})
	require.NoError(t, err)
	assert.False(t, first.Completed)

	var remaining int64
	require.NoError(t, db.SQL().QueryRow(`
		SELECT remaining_paths FROM cascade_checkpoints WHERE household_id = 'h2'`).Scan(&remaining))
	assert.Positive(t, remaining, "a checkpoint with remaining files must survive the pause")

	second, err := Cascade(ctx, db, cascadeClock(), nil,
		CascadeOptions{HouseholdID: "h2", VaultBase: vaultBase, ChunkSize: 2}, nil, nil)
	require.NoError(t, err)
	assert.True(t, second.Completed)

	var households int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM household WHERE id = 'h2'`).Scan(&households))
	assert.Zero(t, households)

	_, statErr := os.Stat(filepath.Join(vaultBase, "h2"))
	assert.True(t, os.IsNotExist(statErr))

	var checkpoints int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM cascade_checkpoints WHERE household_id = 'h2'`).Scan(&checkpoints))
	assert.Zero(t, checkpoints, "a completed cascade removes its checkpoint")

	var queued int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM cascade_vacuum_queue WHERE household_id = 'h2'`).Scan(&queued))
	assert.Equal(t, int64(1), queued)
}

func TestCascadeClearsBackfillCheckpoint(t *testing.T) {
	db := openCascadeDB(t)
	ctx := context.Background()
	seedHousehold(t, db, "h2", t.TempDir(), 0)

	_, err := db.SQL().Exec(`
		INSERT INTO events_backfill_checkpoint (household_id, processed, updated, skipped, total, last_rowid, updated_at)
		VALUES ('h2', 10, 10, 0, 10, 10, 0)`)
	require.NoError(t, err)

	result, err := Cascade(ctx, db, cascadeClock(), nil, CascadeOptions{HouseholdID: "h2"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	var rows int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events_backfill_checkpoint WHERE household_id = 'h2'`).Scan(&rows))
	assert.Zero(t, rows)
}
