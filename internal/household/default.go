// Package household implements the post-migration default-household repair
// pass and the household cascade delete pipeline.
package household

import (
	"context"
	"database/sql"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
)

// RepairDefault enforces "exactly one non-deleted household has is_default=1"
// after a migration batch: if none do, the oldest active row by
// (created_at, id) is promoted; if more than one do, every row but the
// oldest is demoted. An empty household table gets a seeded default row, so
// a fresh install comes out of its first migration pass with exactly one
// default household.
//
// This is the repairDefaultHousehold hook internal/migrate.Engine.Up invokes
// after every successful migration batch.
func RepairDefault(ctx context.Context, tx *dbx.ImmediateTx) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'household'`).Scan(&exists); err != nil {
		return herrors.FromSQLError(err)
	}
	if exists == 0 {
		return nil
	}

	var defaultCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM household WHERE is_default = 1 AND deleted_at IS NULL`).Scan(&defaultCount); err != nil {
		return herrors.FromSQLError(err)
	}

	switch {
	case defaultCount == 1:
		return nil
	case defaultCount == 0:
		var oldestID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM household WHERE deleted_at IS NULL
			ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&oldestID)
		if err == sql.ErrNoRows {
			now := clock.Real{}.NowMillis()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO household (id, name, created_at, updated_at, is_default)
				VALUES (?, 'Default Household', ?, ?, 1)`, clock.NewID(), now, now); err != nil {
				return herrors.FromSQLError(err)
			}
			return nil
		}
		if err != nil {
			return herrors.FromSQLError(err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE household SET is_default = 1 WHERE id = ?`, oldestID.String); err != nil {
			return herrors.FromSQLError(err)
		}
		return nil
	default:
		var oldestID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM household WHERE is_default = 1 AND deleted_at IS NULL
			ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&oldestID)
		if err != nil {
			return herrors.FromSQLError(err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE household SET is_default = 0
			WHERE is_default = 1 AND deleted_at IS NULL AND id != ?`, oldestID.String); err != nil {
			return herrors.FromSQLError(err)
		}
		return nil
	}
}
