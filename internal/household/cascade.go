package household

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/registry"
)

// DefaultCascadeChunkSize is the per-chunk row/file limit a cascade delete
// uses when the caller does not override it.
const DefaultCascadeChunkSize = 500

// Phase indices follow registry.CascadePhase order. internal/registry's
// PhaseFilesCleanup carries no table entries (it describes vault files, not
// rows), so runFilesCleanupPhase handles that slot, and the household phase
// follows it.
const (
	phaseIndexNoteLinks = iota
	phaseIndexChildren
	phaseIndexParents
	phaseIndexFilesCleanup
	phaseIndexHousehold
	phaseCount
)

var phaseNames = [phaseCount]string{
	phaseIndexNoteLinks:    "note_links",
	phaseIndexChildren:     "children",
	phaseIndexParents:      "parents",
	phaseIndexFilesCleanup: "files_cleanup",
	phaseIndexHousehold:    "household",
}

// CascadeOptions configures one cascade delete run.
type CascadeOptions struct {
	HouseholdID string
	ChunkSize   int
	VaultBase   string // root directory the vault guard was constructed with; empty skips files_cleanup.
}

// CascadeProgress is emitted after every chunk.
type CascadeProgress struct {
	HouseholdID    string
	Phase          string
	DeletedCount   int64
	RemainingPaths int64
}

// CascadeResult is the outcome of one Cascade call.
type CascadeResult struct {
	Completed      bool
	DeletedCount   int64
	RemainingPaths int64
}

// Cascade deletes householdID and everything it owns across the registry's
// household-scoped tables and its vault subtree, in chunks, writing a
// checkpoint after each chunk so a pause/cancel can resume later.
func Cascade(ctx context.Context, db *dbx.DB, clk clock.Clock, logger *zap.Logger, opts CascadeOptions, cancelled func() bool, onProgress func(CascadeProgress)) (*CascadeResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultCascadeChunkSize
	}

	var isDefault bool
	var exists bool
	err := db.SQL().QueryRowContext(ctx, `
		SELECT is_default FROM household WHERE id = ?`, opts.HouseholdID).Scan(&isDefault)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return nil, herrors.FromSQLError(err)
	} else {
		exists = true
	}
	if exists && isDefault {
		return nil, herrors.New("DEFAULT_UNDELETABLE", "the default household cannot be deleted").
			WithContext("household_id", opts.HouseholdID)
	}
	if !exists {
		return &CascadeResult{Completed: true}, nil
	}

	cp, err := loadCascadeCheckpoint(ctx, db, opts.HouseholdID)
	if err != nil {
		return nil, err
	}

	phases := registry.InPhaseOrder()
	tablesByIndex := [phaseCount][]registry.Table{
		phaseIndexNoteLinks: phases[registry.PhaseNoteLinks],
		phaseIndexChildren:  phases[registry.PhaseChildren],
		phaseIndexParents:   phases[registry.PhaseParents],
	}

	for phaseIdx := cp.PhaseIndex; phaseIdx < phaseCount; phaseIdx++ {
		if cancelled != nil && cancelled() {
			cp.PhaseIndex = phaseIdx
			if err := saveCascadeCheckpoint(ctx, db, clk, cp); err != nil {
				return nil, err
			}
			return &CascadeResult{Completed: false, DeletedCount: cp.DeletedCount, RemainingPaths: cp.RemainingPaths}, nil
		}

		switch phaseIdx {
		case phaseIndexFilesCleanup:
			done, err := runFilesCleanupPhase(ctx, db, clk, opts, cancelled, onProgress, &cp)
			if err != nil {
				return nil, err
			}
			if !done {
				return &CascadeResult{Completed: false, DeletedCount: cp.DeletedCount, RemainingPaths: cp.RemainingPaths}, nil
			}
		case phaseIndexHousehold:
			if err := finishHouseholdPhase(ctx, db, tablesByIndex, opts.HouseholdID); err != nil {
				return nil, err
			}
			// The backfill checkpoint references household(id); it is
			// household-owned bookkeeping, so it goes with the row.
			if _, err := db.SQL().ExecContext(ctx, `DELETE FROM events_backfill_checkpoint WHERE household_id = ?`, opts.HouseholdID); err != nil {
				return nil, herrors.FromSQLError(err)
			}
			if _, err := db.SQL().ExecContext(ctx, `DELETE FROM household WHERE id = ?`, opts.HouseholdID); err != nil {
				return nil, herrors.FromSQLError(err)
			}
		default:
			done, err := runTableDeletePhase(ctx, db, clk, opts, phaseIdx, tablesByIndex[phaseIdx], cancelled, onProgress, &cp)
			if err != nil {
				return nil, err
			}
			if !done {
				return &CascadeResult{Completed: false, DeletedCount: cp.DeletedCount, RemainingPaths: cp.RemainingPaths}, nil
			}
		}
		cp.PhaseIndex = phaseIdx + 1
	}

	if err := deleteCascadeCheckpoint(ctx, db, opts.HouseholdID); err != nil {
		return nil, err
	}
	if _, err := db.SQL().ExecContext(ctx, `
		INSERT INTO cascade_vacuum_queue (household_id, queued_at) VALUES (?, ?)`,
		opts.HouseholdID, clk.NowMillis()); err != nil {
		return nil, herrors.FromSQLError(err)
	}

	logger.Info("household_cascade_completed", zap.String("household_id", opts.HouseholdID), zap.Int64("deleted_count", cp.DeletedCount))
	return &CascadeResult{Completed: true, DeletedCount: cp.DeletedCount}, nil
}

// runTableDeletePhase deletes, chunk by chunk, every row belonging to
// opts.HouseholdID across tables, committing a checkpoint after each chunk.
func runTableDeletePhase(ctx context.Context, db *dbx.DB, clk clock.Clock, opts CascadeOptions, phaseIdx int, tables []registry.Table, cancelled func() bool, onProgress func(CascadeProgress), cp *cascadeCheckpointState) (bool, error) {
	for _, table := range tables {
		for {
			if cancelled != nil && cancelled() {
				return false, nil
			}
			var affected int64
			err := db.WithTx(ctx, func(tx *sql.Tx) error {
				res, err := tx.ExecContext(ctx, `
					DELETE FROM `+table.Name+`
					WHERE rowid IN (
						SELECT rowid FROM `+table.Name+` WHERE household_id = ? LIMIT ?
					)`, opts.HouseholdID, opts.ChunkSize)
				if err != nil {
					return herrors.FromSQLError(err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return herrors.FromSQLError(err)
				}
				affected = n
				cp.DeletedCount += n
				cp.Phase = phaseNames[phaseIdx]
				return saveCascadeCheckpointTx(ctx, tx, clk, *cp)
			})
			if err != nil {
				return false, err
			}
			if onProgress != nil {
				onProgress(CascadeProgress{HouseholdID: opts.HouseholdID, Phase: phaseNames[phaseIdx], DeletedCount: cp.DeletedCount, RemainingPaths: cp.RemainingPaths})
			}
			if affected < int64(opts.ChunkSize) {
				break
			}
		}
	}
	return true, nil
}

// finishHouseholdPhase enforces CASCADE_DB_NOT_EMPTY: every household-scoped
// table must report zero rows for this household before the household row
// itself is removed.
func finishHouseholdPhase(ctx context.Context, db *dbx.DB, tablesByIndex [phaseCount][]registry.Table, householdID string) error {
	for idx := phaseIndexNoteLinks; idx <= phaseIndexParents; idx++ {
		for _, table := range tablesByIndex[idx] {
			var count int64
			if err := db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table.Name+` WHERE household_id = ?`, householdID).Scan(&count); err != nil {
				return herrors.FromSQLError(err)
			}
			if count > 0 {
				return herrors.New("CASCADE_DB_NOT_EMPTY", "household still has dependent rows").
					WithContext("table", table.Name).
					WithContext("household_id", householdID)
			}
		}
	}
	return nil
}

// runFilesCleanupPhase walks the household's vault subtree and removes every
// regular file, chunking deletions and checkpointing the remaining-path
// count so a pause can resume without re-walking from scratch. Symlinks are
// skipped, never followed.
func runFilesCleanupPhase(ctx context.Context, db *dbx.DB, clk clock.Clock, opts CascadeOptions, cancelled func() bool, onProgress func(CascadeProgress), cp *cascadeCheckpointState) (bool, error) {
	if opts.VaultBase == "" {
		return true, nil
	}
	root := filepath.Join(opts.VaultBase, opts.HouseholdID)
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return true, nil
	}

	var pending []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		pending = append(pending, path)
		return nil
	})
	if err != nil {
		return false, herrors.FromIOError(err)
	}

	cp.RemainingPaths = int64(len(pending))
	for len(pending) > 0 {
		if cancelled != nil && cancelled() {
			return false, nil
		}
		chunkLen := opts.ChunkSize
		if chunkLen > len(pending) {
			chunkLen = len(pending)
		}
		chunk := pending[:chunkLen]
		pending = pending[chunkLen:]

		for _, p := range chunk {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return false, herrors.FromIOError(err)
			}
			cp.DeletedCount++
		}
		cp.RemainingPaths = int64(len(pending))
		cp.Phase = phaseNames[phaseIndexFilesCleanup]
		if err := saveCascadeCheckpoint(ctx, db, clk, *cp); err != nil {
			return false, err
		}
		if onProgress != nil {
			onProgress(CascadeProgress{HouseholdID: opts.HouseholdID, Phase: cp.Phase, DeletedCount: cp.DeletedCount, RemainingPaths: cp.RemainingPaths})
		}
	}

	removeEmptyDirs(root)
	return true, nil
}

// removeEmptyDirs best-effort removes the now-empty directory tree under
// root. Failure here is not reported: an empty leftover directory does not
// violate the household post-condition, which is about rows and files.
func removeEmptyDirs(root string) {
	_ = os.RemoveAll(root)
}

type cascadeCheckpointState struct {
	HouseholdID    string
	PhaseIndex     int
	Phase          string
	DeletedCount   int64
	RemainingPaths int64
}

func loadCascadeCheckpoint(ctx context.Context, db *dbx.DB, householdID string) (cascadeCheckpointState, error) {
	cp := cascadeCheckpointState{HouseholdID: householdID}
	row := db.SQL().QueryRowContext(ctx, `
		SELECT phase_index, phase, deleted_count, remaining_paths
		FROM cascade_checkpoints WHERE household_id = ?`, householdID)
	err := row.Scan(&cp.PhaseIndex, &cp.Phase, &cp.DeletedCount, &cp.RemainingPaths)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, herrors.FromSQLError(err)
	}
	return cp, nil
}

func saveCascadeCheckpoint(ctx context.Context, db *dbx.DB, clk clock.Clock, cp cascadeCheckpointState) error {
	_, err := db.SQL().ExecContext(ctx, `
		INSERT INTO cascade_checkpoints (household_id, phase_index, phase, deleted_count, total, remaining_paths, vacuum_pending, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?)
		ON CONFLICT(household_id) DO UPDATE SET
			phase_index = excluded.phase_index,
			phase = excluded.phase,
			deleted_count = excluded.deleted_count,
			remaining_paths = excluded.remaining_paths,
			updated_at = excluded.updated_at`,
		cp.HouseholdID, cp.PhaseIndex, cp.Phase, cp.DeletedCount, cp.RemainingPaths, clk.NowMillis())
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

func saveCascadeCheckpointTx(ctx context.Context, tx *sql.Tx, clk clock.Clock, cp cascadeCheckpointState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cascade_checkpoints (household_id, phase_index, phase, deleted_count, total, remaining_paths, vacuum_pending, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?)
		ON CONFLICT(household_id) DO UPDATE SET
			phase_index = excluded.phase_index,
			phase = excluded.phase,
			deleted_count = excluded.deleted_count,
			remaining_paths = excluded.remaining_paths,
			updated_at = excluded.updated_at`,
		cp.HouseholdID, cp.PhaseIndex, cp.Phase, cp.DeletedCount, cp.RemainingPaths, clk.NowMillis())
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

func deleteCascadeCheckpoint(ctx context.Context, db *dbx.DB, householdID string) error {
	if _, err := db.SQL().ExecContext(ctx, `DELETE FROM cascade_checkpoints WHERE household_id = ?`, householdID); err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}
