package bundle

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/vault"
)

// ImportMode distinguishes a dry validation-only run from one that writes.
type ImportMode string

const (
	ModeDryRun ImportMode = "dry_run"
	ModeApply  ImportMode = "apply"
)

// TableExecutionResult reports how many rows one table upserted.
type TableExecutionResult struct {
	Upserted int `json:"upserted"`
}

// AttachmentExecutionResult reports the attachment reconciliation outcome.
type AttachmentExecutionResult struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"`
}

// ExecutionReport is the Execute phase's output.
type ExecutionReport struct {
	Mode        ImportMode                       `json:"mode"`
	Tables      map[string]TableExecutionResult   `json:"tables"`
	Attachments AttachmentExecutionResult         `json:"attachments"`
}

// Execute applies plan against db/guard: one upsert transaction per table
// (the bundle row replaces any existing row with the same id, whatever its
// updated_at), then attachment reconciliation.
// New and divergent files are written through the vault guard, duplicates
// are left untouched.
func Execute(ctx context.Context, db *dbx.DB, guard *vault.Guard, bundleDir string, plan *ImportPlan) (*ExecutionReport, error) {
	report := &ExecutionReport{Mode: ModeApply, Tables: make(map[string]TableExecutionResult, len(plan.TableOrder))}

	for _, table := range plan.TableOrder {
		n, err := executeTable(ctx, db, bundleDir, table)
		if err != nil {
			return nil, err
		}
		report.Tables[table] = TableExecutionResult{Upserted: n}
	}

	attachResult, err := reconcileAttachments(guard, bundleDir, plan.Attachments)
	if err != nil {
		return nil, err
	}
	report.Attachments = attachResult

	return report, nil
}

func executeTable(ctx context.Context, db *dbx.DB, bundleDir, table string) (int, error) {
	f, err := os.Open(tableJSONLPath(bundleDir, table))
	if err != nil {
		return 0, herrors.FromIOError(err)
	}
	defer f.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return 0, herrors.FromJSONError(err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return 0, herrors.FromIOError(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n := 0
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := upsertRow(ctx, tx, table, row); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// upsertRow inserts row into table, overwriting every non-id column on
// conflict. Column order is the row's sorted key order so the generated
// SQL is deterministic and easy to log.
func upsertRow(ctx context.Context, tx *sql.Tx, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%q = excluded.%q", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, quoteColumnList(cols), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return herrors.FromSQLError(err).WithContext("table", table)
	}
	return nil
}

func quoteColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

// reconcileAttachments writes every new or divergent bundled attachment
// through the vault guard; duplicates (identical hash already present) are
// left untouched.
func reconcileAttachments(guard *vault.Guard, bundleDir string, _ AttachmentPlan) (AttachmentExecutionResult, error) {
	var result AttachmentExecutionResult
	entries, err := ParseAttachmentsManifest(bundleDir)
	if err != nil {
		return result, err
	}
	attachmentsDir := filepath.Join(bundleDir, AttachmentsDirName)

	for _, e := range entries {
		parts := strings.SplitN(filepath.ToSlash(e.RelativePath), "/", 3)
		if len(parts) != 3 {
			return result, herrors.New("BUNDLE/ATTACHMENT_PATH_INVALID", "attachment path is not household/category/relpath").
				WithContext("path", e.RelativePath)
		}
		householdID, category, relPath := parts[0], parts[1], parts[2]

		dest, err := guard.Resolve(householdID, vault.Category(category), relPath)
		if err != nil {
			return result, err
		}

		if existingHash, statErr := sha256File(dest); statErr == nil && existingHash == e.SHA256 {
			result.Skipped++
			continue
		}

		src := filepath.Join(attachmentsDir, filepath.FromSlash(e.RelativePath))
		if err := copyThroughGuard(src, dest); err != nil {
			return result, err
		}
		result.Written++
	}
	return result, nil
}

func copyThroughGuard(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return herrors.FromIOError(err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer out.Close()
	buf := make([]byte, 256*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return herrors.FromIOError(werr)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return herrors.FromIOError(readErr)
		}
	}
	return out.Sync()
}
