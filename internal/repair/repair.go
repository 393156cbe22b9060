// Package repair implements guided database repair: pre-snapshot, rebuild
// into a sibling file, data import, validation, and an atomic swap that never
// loses the original file.
package repair

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/backup"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/health"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/migrate"
)

// Engine orchestrates guided repair.
type Engine struct {
	backupEngine *backup.Engine
	logger       *zap.Logger
}

// New constructs a repair Engine.
func New(backupEngine *backup.Engine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{backupEngine: backupEngine, logger: logger}
}

// Result summarises a completed repair.
type Result struct {
	ArchivePath  string
	PreSnapshot  *backup.Result
}

// Run executes the full guided repair pipeline against the live database at
// livePath. openFn opens a *dbx.DB for a given path (so the new sibling file
// can be opened and migrated independently of the caller's existing handle).
func (e *Engine) Run(ctx context.Context, livePath string, openFn func(ctx context.Context, path string) (*dbx.DB, error), tableNames func(ctx context.Context, db *dbx.DB) ([]string, error)) (*Result, error) {
	snapshot, err := e.backupEngine.Run(ctx, livePath)
	if err != nil {
		return nil, herrors.New("DB_REPAIR/PRESNAPSHOT_FAILED", "pre-repair snapshot failed").WithCause(asHerror(err))
	}

	dir := filepath.Dir(livePath)
	ts := filepath.Base(snapshot.Dir)
	newPath := filepath.Join(dir, fmt.Sprintf("repair-new-%s.sqlite3", ts))
	archivePath := filepath.Join(dir, "pre-repair.sqlite3")

	newDB, err := openFn(ctx, newPath)
	if err != nil {
		return nil, herrors.New("DB_REPAIR/REBUILD_FAILED", "could not open rebuild target").WithCause(asHerror(err))
	}
	defer newDB.Close()

	engine, err := migrate.New(newDB, e.logger)
	if err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/REBUILD_FAILED", "could not load migrations for rebuild target").WithCause(asHerror(err))
	}
	if _, err := engine.Up(ctx, "", nil); err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/REBUILD_FAILED", "could not migrate rebuild target to head").WithCause(asHerror(err))
	}

	archiveDB, err := openFn(ctx, snapshot.SQLitePath)
	if err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/IMPORT_FAILED", "could not open pre-snapshot for import").WithCause(asHerror(err))
	}
	defer archiveDB.Close()

	tables, err := tableNames(ctx, newDB)
	if err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/IMPORT_FAILED", "could not enumerate tables to import").WithCause(asHerror(err))
	}

	if err := importTables(ctx, newDB, archiveDB, tables); err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/IMPORT_FAILED", "data import failed").WithCause(asHerror(err))
	}

	checker, err := health.New(newDB, "", e.logger, nil)
	if err != nil {
		_ = os.Remove(newPath)
		return nil, err
	}
	report, err := checker.Run(ctx, nil)
	if err != nil {
		_ = os.Remove(newPath)
		return nil, herrors.New("DB_REPAIR/VALIDATE_FAILED", "could not run validation health pass").WithCause(asHerror(err))
	}
	if err := newDB.Close(); err != nil {
		return nil, herrors.FromIOError(err)
	}
	if report.Status != "ok" {
		_ = os.Remove(newPath)
		code := "DB_REPAIR/FOREIGN_KEY_FAILED"
		for _, c := range report.Checks {
			if !c.Passed {
				code = fmt.Sprintf("DB_REPAIR/%s_FAILED", c.Name)
				break
			}
		}
		return nil, herrors.New(code, "rebuilt database failed validation; the pre-repair snapshot has been kept").
			WithContext("snapshot", snapshot.Dir)
	}

	if err := Swap(livePath, newPath, archivePath); err != nil {
		return nil, err
	}

	return &Result{ArchivePath: archivePath, PreSnapshot: snapshot}, nil
}

func asHerror(err error) *herrors.Error {
	if e, ok := herrors.As(err); ok {
		return e
	}
	return herrors.New(herrors.UnknownCode, err.Error())
}

// importTables streams every row of each named table from src into dst
// inside a single transaction, preserving column order, so foreign keys
// between earlier and later tables are honoured.
func importTables(ctx context.Context, dst *dbx.DB, src *dbx.DB, tables []string) error {
	return dst.WithTx(ctx, func(tx *sql.Tx) error {
		// foreign_keys cannot be toggled inside a transaction, so the
		// caller supplies tables in dependency order: parents land before
		// the rows that reference them.
		for _, table := range tables {
			if err := importTable(ctx, tx, src, table); err != nil {
				return err
			}
		}
		return nil
	})
}

func importTable(ctx context.Context, tx *sql.Tx, src *dbx.DB, table string) error {
	rows, err := src.SQL().QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q", table))
	if err != nil {
		return herrors.FromSQLError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return herrors.FromSQLError(err)
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", table, quoteColumns(cols), joinComma(placeholders))

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return herrors.FromSQLError(err)
		}
		if _, err := tx.ExecContext(ctx, insertSQL, vals...); err != nil {
			return herrors.FromSQLError(err).WithContext("table", table)
		}
	}
	if err := rows.Err(); err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

func quoteColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", c)
	}
	return out
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
