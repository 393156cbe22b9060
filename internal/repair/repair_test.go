package repair

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/backup"
	"github.com/arklowdun/dbcore/internal/bundle"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/health"
	"github.com/arklowdun/dbcore/internal/household"
	"github.com/arklowdun/dbcore/internal/migrate"
)

func tableNamesForTest() []string {
	return bundle.OrderedTableNames()
}

func openFnForTest(t *testing.T) func(ctx context.Context, path string) (*dbx.DB, error) {
	t.Helper()
	return func(ctx context.Context, path string) (*dbx.DB, error) {
		return dbx.Open(ctx, path, nil)
	}
}

func TestRunSucceedsAndSwapsInNewFile(t *testing.T) {
	dir := t.TempDir()
	livePath := filepath.Join(dir, "live.sqlite3")

	ctx := context.Background()
	liveDB, err := dbx.Open(ctx, livePath, nil)
	require.NoError(t, err)
	defer liveDB.Close()
	eng, err := migrate.New(liveDB, nil)
	require.NoError(t, err)
	_, err = eng.Up(ctx, "", household.RepairDefault)
	require.NoError(t, err)
	_, err = liveDB.SQL().ExecContext(ctx, `INSERT INTO household (id, name, created_at, updated_at, is_default) VALUES ('h1','Home',0,0,0)`)
	require.NoError(t, err)

	checker, err := health.New(liveDB, "1.0.0-test", nil, nil)
	require.NoError(t, err)
	backupEngine := backup.New(liveDB, checker, backup.Config{
		BackupRoot: filepath.Join(dir, "backups"),
		AppVersion: "1.0.0-test",
	})

	repairEngine := New(backupEngine, nil)
	result, err := repairEngine.Run(ctx, livePath, openFnForTest(t), func(ctx context.Context, db *dbx.DB) ([]string, error) {
		return tableNamesForTest(), nil
	})
	require.NoError(t, err)
	assert.FileExists(t, result.ArchivePath)
	assert.FileExists(t, livePath)

	postDB, err := dbx.Open(ctx, livePath, nil)
	require.NoError(t, err)
	defer postDB.Close()
	var count int
	require.NoError(t, postDB.SQL().QueryRow(`SELECT COUNT(*) FROM household WHERE id = 'h1'`).Scan(&count))
	assert.Equal(t, 1, count, "rebuilt database must retain the original row")
}
