// Package health runs the engine's PRAGMA-driven integrity checks and
// produces a types.HealthReport.
package health

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// DefaultPageSize is the page size the engine creates new databases with.
const DefaultPageSize = 4096

// Checker runs health passes against a dbx.DB.
type Checker struct {
	db         *dbx.DB
	logger     *zap.Logger
	appVersion string
	duration   metric.Float64Histogram
}

// New constructs a Checker. meter may be nil, in which case check durations
// are not recorded.
func New(db *dbx.DB, appVersion string, logger *zap.Logger, meter metric.Meter) (*Checker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{db: db, logger: logger, appVersion: appVersion}
	if meter != nil {
		hist, err := meter.Float64Histogram("dbcore.health.check_duration_ms")
		if err != nil {
			return nil, err
		}
		c.duration = hist
	}
	return c, nil
}

// Run executes every required check, in order, and returns the aggregate
// report. A failing check does not stop later checks from running; all
// results are collected.
func (c *Checker) Run(ctx context.Context, clockNow func() time.Time) (*types.HealthReport, error) {
	report := &types.HealthReport{
		Status:     types.HealthOK,
		AppVersion: c.appVersion,
	}

	checks := []struct {
		name string
		run  func(ctx context.Context) (types.CheckResult, []types.Offender, error)
	}{
		{"integrity_check", c.integrityCheck},
		{"quick_check", c.quickCheck},
		{"foreign_key_check", c.foreignKeyCheck},
		{"storage_sanity", c.storageSanity},
		{"schema_hash", c.schemaHashCheck(report)},
	}

	for _, ch := range checks {
		start := time.Now()
		result, offenders, err := ch.run(ctx)
		elapsed := time.Since(start)
		if c.duration != nil {
			c.duration.Record(ctx, float64(elapsed.Milliseconds()))
		}
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, result)
		report.Offenders = append(report.Offenders, offenders...)
		if !result.Passed {
			report.Status = types.HealthError
		}
	}

	if clockNow == nil {
		clockNow = time.Now
	}
	report.GeneratedAt = clockNow().UTC().Format(time.RFC3339Nano)
	return report, nil
}

func (c *Checker) integrityCheck(ctx context.Context) (types.CheckResult, []types.Offender, error) {
	var result string
	if err := c.db.SQL().QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}
	return types.CheckResult{Name: "integrity_check", Passed: result == "ok", Details: result}, nil, nil
}

func (c *Checker) quickCheck(ctx context.Context) (types.CheckResult, []types.Offender, error) {
	var result string
	if err := c.db.SQL().QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}
	passed := result == "ok" || result == "0"
	return types.CheckResult{Name: "quick_check", Passed: passed, Details: result}, nil, nil
}

func (c *Checker) foreignKeyCheck(ctx context.Context) (types.CheckResult, []types.Offender, error) {
	rows, err := c.db.SQL().QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}
	defer rows.Close()

	var offenders []types.Offender
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int64
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return types.CheckResult{}, nil, herrors.FromSQLError(err)
		}
		rowID := "NULL"
		if rowid.Valid {
			rowID = fmt.Sprintf("%d", rowid.Int64)
		}
		offenders = append(offenders, types.Offender{Table: table, RowID: rowID})
	}
	if err := rows.Err(); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}

	passed := len(offenders) == 0
	details := ""
	if !passed {
		details = fmt.Sprintf("%d offending rows", len(offenders))
	}
	return types.CheckResult{Name: "foreign_key_check", Passed: passed, Details: details}, offenders, nil
}

func (c *Checker) storageSanity(ctx context.Context) (types.CheckResult, []types.Offender, error) {
	var pageSize int64
	if err := c.db.SQL().QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}
	var freelist int64
	if err := c.db.SQL().QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freelist); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}
	var pageCount int64
	if err := c.db.SQL().QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return types.CheckResult{}, nil, herrors.FromSQLError(err)
	}

	passed := pageSize == DefaultPageSize
	details := fmt.Sprintf("page_size=%d freelist_count=%d page_count=%d", pageSize, freelist, pageCount)
	// A freelist larger than the whole database is implausible and signals
	// corruption rather than ordinary fragmentation.
	if pageCount > 0 && freelist > pageCount {
		passed = false
	}
	if !walHeaderPlausible(c.db.Path + "-wal") {
		passed = false
		details += " wal_header=invalid"
	}
	return types.CheckResult{Name: "storage_sanity", Passed: passed, Details: details}, nil, nil
}

// walHeaderPlausible reports whether the sidecar WAL file at path is absent,
// empty (checkpointed and truncated), or starts with a valid WAL magic.
func walHeaderPlausible(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	if len(data) == 0 {
		return true
	}
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data[:4])
	return magic == 0x377f0682 || magic == 0x377f0683
}

// schemaHashCheck returns a check function bound to report, so SchemaHash can
// be attached to the report the same way it attaches to a backup manifest.
func (c *Checker) schemaHashCheck(report *types.HealthReport) func(ctx context.Context) (types.CheckResult, []types.Offender, error) {
	return func(ctx context.Context) (types.CheckResult, []types.Offender, error) {
		hash, err := c.SchemaHash(ctx)
		if err != nil {
			return types.CheckResult{}, nil, err
		}
		report.SchemaHash = hash
		return types.CheckResult{Name: "schema_hash", Passed: true, Details: hash}, nil, nil
	}
}

// SchemaHash computes the stable SHA-256 over (type, name, tbl_name, sql)
// tuples from sqlite_master, nul-byte separated, ordered for determinism.
func (c *Checker) SchemaHash(ctx context.Context) (string, error) {
	rows, err := c.db.SQL().QueryContext(ctx, `
		SELECT type, name, tbl_name, COALESCE(sql, '')
		FROM sqlite_master
		ORDER BY type, name`)
	if err != nil {
		return "", herrors.FromSQLError(err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var typ, name, tblName, sqlText string
		if err := rows.Scan(&typ, &name, &tblName, &sqlText); err != nil {
			return "", herrors.FromSQLError(err)
		}
		h.Write([]byte(typ))
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(tblName))
		h.Write([]byte{0})
		h.Write([]byte(sqlText))
		h.Write([]byte{0})
	}
	if err := rows.Err(); err != nil {
		return "", herrors.FromSQLError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
