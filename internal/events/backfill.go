package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

const (
	// MinChunkSize and MaxChunkSize bound a backfill's chunk_size input.
	MinChunkSize = 100
	MaxChunkSize = 10000
)

// BackfillOptions configures one backfill run.
type BackfillOptions struct {
	HouseholdID      string
	FallbackZone     string
	ChunkSize        int
	ProgressInterval int // emit a Progress at most this often, in rows; 0 means every chunk.
	DryRun           bool
	ResetCheckpoint  bool
}

// Progress is emitted between chunks.
type Progress struct {
	HouseholdID string
	Processed   int64
	Updated     int64
	Skipped     int64
	Total       int64
}

// ProgressFunc receives Progress events; it must not block for long, since it
// runs on the backfill's own goroutine between chunks.
type ProgressFunc func(Progress)

// BackfillStatus is the terminal outcome of a Backfill call.
type BackfillStatus string

const (
	BackfillCompleted BackfillStatus = "completed"
	BackfillCancelled BackfillStatus = "cancelled"
)

// BackfillResult summarises a completed (or cancelled) backfill run.
type BackfillResult struct {
	Status      BackfillStatus
	TZUsed      string
	Total       int64
	Processed   int64
	Updated     int64
	Skipped     int64
	DryRun      bool
}

// Backfill converts householdID's legacy wall-clock events to UTC, chunk by
// chunk, writing a durable checkpoint after every chunk so it can resume
// after a crash or cooperative cancellation. cancelled is polled between
// chunks, never mid-chunk, so a single chunk's transaction always commits or
// rolls back as a whole.
func Backfill(ctx context.Context, db *dbx.DB, clk clock.Clock, logger *zap.Logger, opts BackfillOptions, cancelled func() bool, onProgress ProgressFunc) (*BackfillResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize < MinChunkSize || opts.ChunkSize > MaxChunkSize {
		return nil, herrors.New("BACKFILL/INVALID_CHUNK_SIZE", "chunk_size must be between 100 and 10000").
			WithContext("chunk_size", fmt.Sprintf("%d", opts.ChunkSize))
	}

	tzName, loc, err := resolveEffectiveZone(ctx, db, opts.HouseholdID, opts.FallbackZone)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE household_id = ? AND deleted_at IS NULL
		  AND (start_at_utc IS NULL OR (ends_at IS NOT NULL AND end_at_utc IS NULL))`,
		opts.HouseholdID).Scan(&total); err != nil {
		return nil, herrors.FromSQLError(err)
	}

	if opts.DryRun {
		return &BackfillResult{Status: BackfillCompleted, TZUsed: tzName, Total: total, DryRun: true}, nil
	}

	cp, err := loadCheckpoint(ctx, db, opts.HouseholdID)
	if err != nil {
		return nil, err
	}
	if opts.ResetCheckpoint {
		cp = types.BackfillCheckpoint{HouseholdID: opts.HouseholdID}
	}
	cp.Total = total

	lastProgressEmit := int64(0)
	for {
		if cancelled != nil && cancelled() {
			if err := saveCheckpoint(ctx, db, clk, cp); err != nil {
				return nil, err
			}
			return &BackfillResult{Status: BackfillCancelled, TZUsed: tzName, Total: total, Processed: cp.Processed, Updated: cp.Updated, Skipped: cp.Skipped}, nil
		}

		chunkRows, done, err := runChunk(ctx, db, clk, loc, tzName, opts, &cp)
		if err != nil {
			return nil, err
		}
		if chunkRows == 0 {
			break
		}
		if onProgress != nil {
			interval := int64(opts.ProgressInterval)
			if interval <= 0 || cp.Processed-lastProgressEmit >= interval || done {
				onProgress(Progress{HouseholdID: opts.HouseholdID, Processed: cp.Processed, Updated: cp.Updated, Skipped: cp.Skipped, Total: total})
				lastProgressEmit = cp.Processed
			}
		}
		if done {
			break
		}
	}

	return &BackfillResult{Status: BackfillCompleted, TZUsed: tzName, Total: total, Processed: cp.Processed, Updated: cp.Updated, Skipped: cp.Skipped}, nil
}

// resolveEffectiveZone resolves the zone chain: household.tz if set, else
// fallback, else Europe/London.
func resolveEffectiveZone(ctx context.Context, db *dbx.DB, householdID, fallback string) (string, *time.Location, error) {
	var tz sql.NullString
	err := db.SQL().QueryRowContext(ctx, `SELECT tz FROM household WHERE id = ?`, householdID).Scan(&tz)
	if err != nil && err != sql.ErrNoRows {
		return "", nil, herrors.FromSQLError(err)
	}
	name := ""
	if tz.Valid && tz.String != "" {
		name = tz.String
	} else if fallback != "" {
		name = fallback
	} else {
		name = clock.DefaultFallbackZone
	}
	loc, zerr := clock.ResolveZone(name)
	if zerr != nil {
		return "", nil, herrors.New("BACKFILL/INVALID_TIMEZONE", "household timezone is not a recognised IANA zone").
			WithContext("tz", name)
	}
	return name, loc, nil
}

func loadCheckpoint(ctx context.Context, db *dbx.DB, householdID string) (types.BackfillCheckpoint, error) {
	var cp types.BackfillCheckpoint
	cp.HouseholdID = householdID
	row := db.SQL().QueryRowContext(ctx, `
		SELECT processed, updated, skipped, total, last_rowid, updated_at
		FROM events_backfill_checkpoint WHERE household_id = ?`, householdID)
	err := row.Scan(&cp.Processed, &cp.Updated, &cp.Skipped, &cp.Total, &cp.LastRowID, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, herrors.FromSQLError(err)
	}
	return cp, nil
}

func saveCheckpoint(ctx context.Context, db *dbx.DB, clk clock.Clock, cp types.BackfillCheckpoint) error {
	now := clk.NowMillis()
	_, err := db.SQL().ExecContext(ctx, `
		INSERT INTO events_backfill_checkpoint (household_id, processed, updated, skipped, total, last_rowid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(household_id) DO UPDATE SET
			processed = excluded.processed,
			updated = excluded.updated,
			skipped = excluded.skipped,
			total = excluded.total,
			last_rowid = excluded.last_rowid,
			updated_at = excluded.updated_at`,
		cp.HouseholdID, cp.Processed, cp.Updated, cp.Skipped, cp.Total, cp.LastRowID, now)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

type legacyEventRow struct {
	rowid   int64
	id      string
	startAt int64
	endAt   sql.NullInt64
	eventTZ sql.NullString
}

// runChunk processes one chunk of up to opts.ChunkSize rows in a single
// transaction, row updates and checkpoint upsert together.
// done reports whether this was the last chunk (fewer rows than ChunkSize).
func runChunk(ctx context.Context, db *dbx.DB, clk clock.Clock, location *time.Location, tzName string, opts BackfillOptions, cp *types.BackfillCheckpoint) (rowsInChunk int, done bool, err error) {
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, qerr := tx.QueryContext(ctx, `
			SELECT rowid, id, start_at, ends_at, tz
			FROM events
			WHERE household_id = ? AND deleted_at IS NULL AND rowid > ?
			  AND (start_at_utc IS NULL OR (ends_at IS NOT NULL AND end_at_utc IS NULL))
			ORDER BY rowid
			LIMIT ?`, opts.HouseholdID, cp.LastRowID, opts.ChunkSize)
		if qerr != nil {
			return herrors.FromSQLError(qerr)
		}
		var batch []legacyEventRow
		for rows.Next() {
			var r legacyEventRow
			if serr := rows.Scan(&r.rowid, &r.id, &r.startAt, &r.endAt, &r.eventTZ); serr != nil {
				rows.Close()
				return herrors.FromSQLError(serr)
			}
			batch = append(batch, r)
		}
		cerr := rows.Err()
		rows.Close()
		if cerr != nil {
			return herrors.FromSQLError(cerr)
		}
		rowsInChunk = len(batch)
		if rowsInChunk == 0 {
			return nil
		}

		for _, r := range batch {
			startUTC, cerr := ToUTCMillis(r.startAt, location)
			if cerr != nil {
				cp.Skipped++
				cp.Processed++
				cp.LastRowID = r.rowid
				continue
			}
			var endUTC sql.NullInt64
			if r.endAt.Valid {
				e, eerr := ToUTCMillis(r.endAt.Int64, location)
				if eerr != nil {
					cp.Skipped++
					cp.Processed++
					cp.LastRowID = r.rowid
					continue
				}
				endUTC = sql.NullInt64{Int64: e, Valid: true}
			}
			effectiveTZ := tzName
			if r.eventTZ.Valid && r.eventTZ.String != "" {
				effectiveTZ = r.eventTZ.String
			}
			if _, err := tx.ExecContext(ctx, `UPDATE events SET tz = ?, start_at_utc = ?, end_at_utc = ? WHERE rowid = ?`,
				effectiveTZ, startUTC, endUTC, r.rowid); err != nil {
				return herrors.FromSQLError(err)
			}
			cp.Updated++
			cp.Processed++
			cp.LastRowID = r.rowid
		}
		if uerr := saveCheckpointTx(ctx, tx, clk, *cp); uerr != nil {
			return uerr
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	done = rowsInChunk < opts.ChunkSize
	return rowsInChunk, done, nil
}

func saveCheckpointTx(ctx context.Context, tx *sql.Tx, clk clock.Clock, cp types.BackfillCheckpoint) error {
	now := clk.NowMillis()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events_backfill_checkpoint (household_id, processed, updated, skipped, total, last_rowid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(household_id) DO UPDATE SET
			processed = excluded.processed,
			updated = excluded.updated,
			skipped = excluded.skipped,
			total = excluded.total,
			last_rowid = excluded.last_rowid,
			updated_at = excluded.updated_at`,
		cp.HouseholdID, cp.Processed, cp.Updated, cp.Skipped, cp.Total, cp.LastRowID, now)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}
