package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/household"
	"github.com/arklowdun/dbcore/internal/migrate"
)

// openEventsDB migrates a fresh database up to target ("" means head) and
// returns it. Backfill and drift tests stop at 0006_cascade_checkpoint so
// the legacy wall-clock columns are still present; expansion tests go to
// head.
func openEventsDB(t *testing.T, target string) *dbx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := dbx.Open(ctx, filepath.Join(t.TempDir(), "events.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	engine, err := migrate.New(db, nil)
	require.NoError(t, err)
	_, err = engine.Up(ctx, target, household.RepairDefault)
	require.NoError(t, err)
	return db
}

func insertHousehold(t *testing.T, db *dbx.DB, id, tz string) {
	t.Helper()
	var tzVal any
	if tz != "" {
		tzVal = tz
	}
	_, err := db.SQL().Exec(`
		INSERT INTO household (id, name, created_at, updated_at, is_default, tz)
		VALUES (?, ?, 0, 0, 0, ?)`, id, "household "+id, tzVal)
	require.NoError(t, err)
}

func insertLegacyEvent(t *testing.T, db *dbx.DB, id, householdID string, startAt int64, endAt *int64) {
	t.Helper()
	var endVal any
	if endAt != nil {
		endVal = *endAt
	}
	_, err := db.SQL().Exec(`
		INSERT INTO events (id, household_id, title, start_at, ends_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0)`, id, householdID, "event "+id, startAt, endVal)
	require.NoError(t, err)
}

func testClock() clock.Clock {
	return clock.Fixed{At: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBackfillRejectsChunkSizeOutOfBounds(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()

	for _, size := range []int{99, 10001, 0, -5} {
		_, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: size}, nil, nil)
		require.Error(t, err)
		assert.Equal(t, "BACKFILL/INVALID_CHUNK_SIZE", herrors.Code(err))
	}
}

func TestBackfillRejectsUnknownZone(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "Not/AZone")

	_, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, "BACKFILL/INVALID_TIMEZONE", herrors.Code(err))
}

func TestBackfillZoneFallbackChain(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "")

	result, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100, DryRun: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.DefaultFallbackZone, result.TZUsed)

	result, err = Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", FallbackZone: "America/New_York", ChunkSize: 100, DryRun: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", result.TZUsed)
}

func TestBackfillDryRunNeverMutates(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "UTC")
	insertLegacyEvent(t, db, "e1", "h1", 1_700_000_000_000, nil)

	result, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100, DryRun: true}, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, int64(1), result.Total)

	var converted int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events WHERE start_at_utc IS NOT NULL`).Scan(&converted))
	assert.Zero(t, converted)

	var checkpoints int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events_backfill_checkpoint`).Scan(&checkpoints))
	assert.Zero(t, checkpoints, "a dry run must not write a checkpoint")
}

func TestBackfillConvertsWallClockUsingHouseholdZone(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "Europe/London")

	// 2024-06-10 09:30 local (BST, UTC+1) → 2024-06-10 08:30 UTC.
	local := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC).UnixMilli()
	end := local + 3_600_000
	insertLegacyEvent(t, db, "e1", "h1", local, &end)

	result, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, result.Status)
	assert.Equal(t, int64(1), result.Updated)

	var startUTC, endUTC int64
	var tz string
	require.NoError(t, db.SQL().QueryRow(`SELECT start_at_utc, end_at_utc, tz FROM events WHERE id = 'e1'`).Scan(&startUTC, &endUTC, &tz))
	want := time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, startUTC)
	assert.Equal(t, want+3_600_000, endUTC)
	assert.Equal(t, "Europe/London", tz)
}

func TestBackfillResumesAfterCancellation(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "UTC")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < 150; i++ {
		insertLegacyEvent(t, db, "e"+itoa64(int64(i)), "h1", base+int64(i)*3_600_000, nil)
	}

	cancelled := false
	first, err := Backfill(ctx, db, testClock(), nil,
		BackfillOptions{HouseholdID: "h1", ChunkSize: 100},
		func() bool { return cancelled },
		func(p Progress) { cancelled = true })
	require.NoError(t, err)
	assert.Equal(t, BackfillCancelled, first.Status)
	assert.Equal(t, int64(100), first.Processed)

	var converted int64
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events WHERE start_at_utc IS NOT NULL`).Scan(&converted))
	assert.Equal(t, int64(100), converted, "only the committed chunk is durable")

	second, err := Backfill(ctx, db, testClock(), nil,
		BackfillOptions{HouseholdID: "h1", ChunkSize: 100}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, second.Status)
	assert.Equal(t, int64(150), second.Processed, "counters are monotonic across runs")
	assert.Equal(t, int64(150), second.Updated)

	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM events WHERE start_at_utc IS NOT NULL`).Scan(&converted))
	assert.Equal(t, int64(150), converted)

	var cpProcessed, cpUpdated int64
	require.NoError(t, db.SQL().QueryRow(`
		SELECT processed, updated FROM events_backfill_checkpoint WHERE household_id = 'h1'`).Scan(&cpProcessed, &cpUpdated))
	assert.Equal(t, int64(150), cpProcessed)
	assert.Equal(t, int64(150), cpUpdated)
}

func TestBackfillResetCheckpointStartsOver(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "UTC")
	insertLegacyEvent(t, db, "e1", "h1", 1_700_000_000_000, nil)

	_, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100}, nil, nil)
	require.NoError(t, err)

	// A reset run over a fully converted household finds nothing to do but
	// starts its scan from rowid 0 again.
	result, err := Backfill(ctx, db, testClock(), nil,
		BackfillOptions{HouseholdID: "h1", ChunkSize: 100, ResetCheckpoint: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, result.Status)
	assert.Zero(t, result.Total)
}

func TestBackfillIsNoOpWhenNothingPending(t *testing.T) {
	db := openEventsDB(t, "0006_cascade_checkpoint")
	ctx := context.Background()
	insertHousehold(t, db, "h1", "UTC")

	var rowErr error
	_, rowErr = db.SQL().Exec(`
		INSERT INTO events (id, household_id, title, start_at, start_at_utc, tz, created_at, updated_at)
		VALUES ('e1', 'h1', 'already converted', 0, 0, 'UTC', 0, 0)`)
	require.NoError(t, rowErr)

	result, err := Backfill(ctx, db, testClock(), nil, BackfillOptions{HouseholdID: "h1", ChunkSize: 100}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, result.Status)
	assert.Zero(t, result.Total)
	assert.Zero(t, result.Updated)
}
