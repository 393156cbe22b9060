// Package migrate implements the schema migration engine: an ordered set of
// migrations embedded into the binary, applied or rolled back inside a
// single transaction per migration, with a checksum ledger that makes the
// embedded set append-only.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
)

//go:embed migrations/*.sql
var embeddedFS embed.FS

const previewLimit = 180

// Migration is one versioned schema change.
type Migration struct {
	Stem string
	Up   string
	// Down is empty when no down migration was authored.
	Down string
}

// Status is one row of Engine.List's output.
type Status struct {
	Stem      string
	Applied   bool
	AppliedAt int64
	Checksum  string
}

// Engine applies and rolls back the embedded migration set against a
// dbx.DB.
type Engine struct {
	db         *dbx.DB
	logger     *zap.Logger
	migrations []Migration
}

// New loads the embedded migration set and returns an Engine bound to db.
func New(db *dbx.DB, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := loadEmbedded()
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, logger: logger, migrations: migrations}, nil
}

func loadEmbedded() ([]Migration, error) {
	entries, err := fs.ReadDir(embeddedFS, "migrations")
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	byStem := make(map[string]*Migration)
	var stems []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "_") {
			continue
		}
		var stem, kind string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			stem, kind = strings.TrimSuffix(name, ".up.sql"), "up"
		case strings.HasSuffix(name, ".down.sql"):
			stem, kind = strings.TrimSuffix(name, ".down.sql"), "down"
		default:
			continue
		}
		data, err := embeddedFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, herrors.FromIOError(err)
		}
		m, ok := byStem[stem]
		if !ok {
			m = &Migration{Stem: stem}
			byStem[stem] = m
			stems = append(stems, stem)
		}
		if kind == "up" {
			m.Up = string(data)
		} else {
			m.Down = string(data)
		}
	}
	sort.Strings(stems)
	out := make([]Migration, 0, len(stems))
	for _, s := range stems {
		m := byStem[s]
		if m.Up == "" {
			return nil, herrors.New("MIGRATE/NO_UP_TEXT", "migration has no up text").WithContext("stem", s)
		}
		out = append(out, *m)
	}
	return out, nil
}

func checksum(upText string) string {
	sum := sha256.Sum256([]byte(upText))
	return hex.EncodeToString(sum[:])
}

// ensureLedger creates the schema_migrations table if absent.
func ensureLedger(ctx context.Context, conn *dbx.ImmediateTx) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL,
		checksum TEXT
	)`)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

type ledgerRow struct {
	Version   string
	AppliedAt int64
	Checksum  string
}

func readLedger(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}) (map[string]ledgerRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at, COALESCE(checksum,'') FROM schema_migrations`)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	defer rows.Close()
	out := make(map[string]ledgerRow)
	for rows.Next() {
		var r ledgerRow
		if err := rows.Scan(&r.Version, &r.AppliedAt, &r.Checksum); err != nil {
			return nil, herrors.FromSQLError(err)
		}
		out[r.Version] = r
	}
	return out, rows.Err()
}

// List returns every embedded migration with its applied/pending status.
func (e *Engine) List(ctx context.Context) ([]Status, error) {
	var ledger map[string]ledgerRow
	err := e.db.WithImmediateTx(ctx, func(tx *dbx.ImmediateTx) error {
		if err := ensureLedger(ctx, tx); err != nil {
			return err
		}
		l, err := readLedger(ctx, tx)
		if err != nil {
			return err
		}
		ledger = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(e.migrations))
	for _, m := range e.migrations {
		row, applied := ledger[m.Stem]
		want := checksum(m.Up)
		if applied && row.Checksum != "" && row.Checksum != want {
			return nil, herrors.New("MIGRATE/EDITED", "applied migration text no longer matches its recorded checksum").
				WithContext("stem", m.Stem)
		}
		out = append(out, Status{Stem: m.Stem, Applied: applied, AppliedAt: row.AppliedAt, Checksum: want})
	}
	return out, nil
}

// HeadStatus summarises List as counts plus the highest applied stem.
type HeadStatus struct {
	Applied int
	Total   int
	Head    string
}

// Status returns the count of applied vs. total migrations and the head.
func (e *Engine) Status(ctx context.Context) (HeadStatus, error) {
	list, err := e.List(ctx)
	if err != nil {
		return HeadStatus{}, err
	}
	var hs HeadStatus
	hs.Total = len(list)
	for _, s := range list {
		if s.Applied {
			hs.Applied++
			hs.Head = s.Stem
		}
	}
	return hs, nil
}

// renameSkipStatement is the single, documented idempotence shortcut this
// engine permits. No further shortcuts are added: unknown idempotence
// concerns must be solved with a real forward migration instead.
const renameSkipStatement = "ALTER TABLE EVENTS RENAME COLUMN STARTS_AT TO START_AT"

func shouldSkipStatement(ctx context.Context, tx *dbx.ImmediateTx, upperStmt string) (bool, error) {
	if !strings.HasPrefix(upperStmt, renameSkipStatement) {
		return false, nil
	}
	var exists int64
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM pragma_table_info('events') WHERE name = 'starts_at'`).Scan(&exists)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, herrors.FromSQLError(err)
	}
	return false, nil
}

// preconditions holds the single named guard this engine enforces before a
// specific migration's statements run: the legacy wall-clock columns may not
// be dropped while any event still lacks its UTC value. This is distinct
// from the statement-skip rule above, since it aborts the whole migration
// rather than skipping one statement, and like the skip rule it is not meant
// to be extended with further named guards.
var preconditions = map[string]func(ctx context.Context, tx *dbx.ImmediateTx) error{
	"0007_events_drop_legacy": func(ctx context.Context, tx *dbx.ImmediateTx) error {
		var missing int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE start_at_utc IS NULL`).Scan(&missing); err != nil {
			return herrors.FromSQLError(err)
		}
		if missing > 0 {
			return herrors.New("MIGRATE/BACKFILL_INCOMPLETE", "cannot drop legacy wall-clock columns while events still lack start_at_utc").
				WithContext("missing_count", fmt.Sprintf("%d", missing))
		}
		return nil
	},
}

func preview(stmt string) string {
	one := strings.NewReplacer("\n", " ", "\t", " ").Replace(stmt)
	trimmed := strings.TrimSpace(one)
	if len(trimmed) > previewLimit {
		return trimmed[:previewLimit] + "…"
	}
	return trimmed
}

func splitStatements(sqlText string) []string {
	var cleanLines []string
	for _, line := range strings.Split(sqlText, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		cleanLines = append(cleanLines, line)
	}
	cleaned := strings.Join(cleanLines, "\n")

	var out []string
	pending := ""
	for _, stmt := range strings.Split(cleaned, ";") {
		if pending != "" {
			stmt = pending + ";" + stmt
			pending = ""
		}
		s := strings.TrimSpace(stmt)
		if s == "" {
			continue
		}
		upper := strings.ToUpper(s)
		// A trigger body holds its own ';'-terminated statements, so the
		// pieces are rejoined until the body's closing END.
		if strings.HasPrefix(upper, "CREATE TRIGGER") && !strings.HasSuffix(upper, "END") {
			pending = s
			continue
		}
		if upper == "BEGIN" || upper == "COMMIT" {
			continue
		}
		out = append(out, s)
	}
	if pending != "" {
		out = append(out, pending)
	}
	return out
}

// UpResult reports what Up did.
type UpResult struct {
	Applied []string
}

// Up applies every pending migration in order. If target is non-empty,
// application stops after that stem (inclusive). Each migration runs in its
// own BEGIN IMMEDIATE transaction: statements execute in order, a
// foreign_key_check runs before commit, and the ledger row is inserted with
// the migration's checksum. After a successful batch the caller-supplied
// repairDefaultHousehold hook runs (internal/household.RepairDefault),
// satisfying the post-migration invariant repair pass.
func (e *Engine) Up(ctx context.Context, target string, repairDefaultHousehold func(ctx context.Context, tx *dbx.ImmediateTx) error) (UpResult, error) {
	var result UpResult
	for _, m := range e.migrations {
		var applied bool
		err := e.db.WithImmediateTx(ctx, func(tx *dbx.ImmediateTx) (txErr error) {
			defer func() {
				if p := recover(); p != nil {
					txErr = herrors.Critical(herrors.New("MIGRATE/PANIC", fmt.Sprintf("panic applying migration %s: %v", m.Stem, p)))
				}
			}()

			if err := ensureLedger(ctx, tx); err != nil {
				return err
			}
			ledger, err := readLedger(ctx, tx)
			if err != nil {
				return err
			}
			if row, ok := ledger[m.Stem]; ok {
				// An already-applied migration is skipped only after its
				// recorded checksum still matches the embedded text, so an
				// edited migration fails on up, not just on list/status.
				if row.Checksum != "" && row.Checksum != checksum(m.Up) {
					return herrors.New("MIGRATE/EDITED", "applied migration text no longer matches its recorded checksum").
						WithContext("stem", m.Stem)
				}
				return nil
			}

			if guard, ok := preconditions[m.Stem]; ok {
				if err := guard(ctx, tx); err != nil {
					return err
				}
			}

			for _, stmt := range splitStatements(m.Up) {
				upper := strings.ToUpper(stmt)
				skip, err := shouldSkipStatement(ctx, tx, upper)
				if err != nil {
					return err
				}
				if skip {
					e.logger.Info("migration_stmt_skip", zap.String("stem", m.Stem), zap.String("sql", preview(stmt)))
					continue
				}
				e.logger.Info("migration_stmt", zap.String("stem", m.Stem), zap.String("sql", preview(stmt)))
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return herrors.FromSQLError(err).
						WithContext("stem", m.Stem).
						WithContext("statement", preview(stmt))
				}
			}

			var fkViolations int64
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM pragma_foreign_key_check)`).Scan(&fkViolations); err != nil {
				return herrors.FromSQLError(err)
			}
			if fkViolations > 0 {
				return herrors.New("MIGRATE/FOREIGN_KEY_CHECK_FAILED", "migration left dangling foreign keys").
					WithContext("stem", m.Stem)
			}

			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at, checksum) VALUES (?, ?, ?)`,
				m.Stem, nowMillis(), checksum(m.Up)); err != nil {
				return herrors.FromSQLError(err)
			}

			if repairDefaultHousehold != nil {
				if err := repairDefaultHousehold(ctx, tx); err != nil {
					return err
				}
			}

			applied = true
			return nil
		})
		if err != nil {
			return result, err
		}
		if applied {
			result.Applied = append(result.Applied, m.Stem)
			e.logger.Info("migration_file_applied", zap.String("stem", m.Stem))
		}
		if target != "" && m.Stem == target {
			break
		}
	}
	return result, nil
}

// DownGuard is set by the caller (cmd/hhctl) after checking the unlock
// environment flag and the absence of a CI marker.
type DownGuard struct {
	Unlocked bool
}

// Down pops applied migrations in reverse order down to (and excluding)
// target, or all the way to empty schema if target is "". Disabled unless
// guard.Unlocked is true.
func (e *Engine) Down(ctx context.Context, target string, guard DownGuard) (UpResult, error) {
	var result UpResult
	if !guard.Unlocked {
		return result, herrors.New("MIGRATE/DOWN_LOCKED", "down migrations are disabled; set the unlock environment flag outside CI")
	}

	list, err := e.List(ctx)
	if err != nil {
		return result, err
	}
	// Walk applied stems in reverse.
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		if !s.Applied {
			continue
		}
		if s.Stem == target {
			break
		}
		m := findMigration(e.migrations, s.Stem)
		if m == nil {
			return result, herrors.New("MIGRATE/UNKNOWN_STEM", "ledger references a stem not present in the embedded set").WithContext("stem", s.Stem)
		}
		if m.Down == "" {
			return result, herrors.New("MIGRATE/NO_DOWN_TEXT", "pending down-migration has no down text").WithContext("stem", s.Stem)
		}

		err := e.db.WithImmediateTx(ctx, func(tx *dbx.ImmediateTx) error {
			for _, stmt := range splitStatements(m.Down) {
				e.logger.Info("migration_down_stmt", zap.String("stem", m.Stem), zap.String("sql", preview(stmt)))
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return herrors.FromSQLError(err).WithContext("stem", m.Stem).WithContext("statement", preview(stmt))
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Stem); err != nil {
				return herrors.FromSQLError(err)
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, m.Stem)
		if m.Stem == target {
			break
		}
	}
	return result, nil
}

func findMigration(migrations []Migration, stem string) *Migration {
	for i := range migrations {
		if migrations[i].Stem == stem {
			return &migrations[i]
		}
	}
	return nil
}

func nowMillis() int64 {
	return clock.Real{}.NowMillis()
}
