// Package attachments implements the per-row attachment lifecycle (add,
// remove, import, list, reveal) on top of the vault guard. Every
// attachment-bearing table carries root_key/relative_path/category columns
// (migration 0003); this package is the only place that writes them.
package attachments

import (
	"context"
	"database/sql"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/registry"
	"github.com/arklowdun/dbcore/internal/types"
	"github.com/arklowdun/dbcore/internal/vault"
)

// DefaultRootKey is used when a caller does not specify one; this engine
// only ever mounts a single vault root, but the column exists so a future
// multi-root vault does not need a migration.
const DefaultRootKey = "vault"

// Ref identifies one attachment-bearing row.
type Ref struct {
	Table       string
	RowID       string
	HouseholdID string
}

func (r Ref) validateTable() (registry.Table, error) {
	t, ok := registry.ByName(r.Table)
	if !ok || !t.HasAttachmentCols {
		return registry.Table{}, herrors.New("ATTACHMENTS/UNSUPPORTED_TABLE", "table does not carry attachment columns").
			WithContext("table", r.Table)
	}
	return t, nil
}

// Add attaches sourcePath to ref under category, copying its bytes into the
// vault at relativePath and recording root_key/relative_path/category on the
// row. If a live row in the same table already references
// (householdID, category, relativePath), Add fails with
// ATTACHMENTS/PATH_CONFLICT.
func Add(ctx context.Context, db *dbx.DB, guard *vault.Guard, ref Ref, category vault.Category, relativePath, sourcePath string) error {
	if _, err := ref.validateTable(); err != nil {
		return err
	}

	dest, err := guard.Resolve(ref.HouseholdID, category, relativePath)
	if err != nil {
		return err
	}

	if err := checkPathConflict(ctx, db, ref, category, relativePath, ""); err != nil {
		return err
	}

	if err := copyFile(sourcePath, dest); err != nil {
		return err
	}

	return setAttachmentColumns(ctx, db, ref, DefaultRootKey, relativePath, category)
}

// AttachExisting records category/relativePath against ref without copying
// any bytes, for the case where the file already lives in the vault (e.g. a
// bundle restore that has already written the vault tree). The conflict
// check is identical to Add's.
func AttachExisting(ctx context.Context, db *dbx.DB, guard *vault.Guard, ref Ref, category vault.Category, relativePath string) error {
	if _, err := ref.validateTable(); err != nil {
		return err
	}
	if _, err := guard.Resolve(ref.HouseholdID, category, relativePath); err != nil {
		return err
	}
	if err := checkPathConflict(ctx, db, ref, category, relativePath, ""); err != nil {
		return err
	}
	return setAttachmentColumns(ctx, db, ref, DefaultRootKey, relativePath, category)
}

// Remove clears ref's attachment columns. When deleteFile is true and no
// other live row in the same table references the same vault path, the
// underlying file is removed too.
func Remove(ctx context.Context, db *dbx.DB, guard *vault.Guard, ref Ref, deleteFile bool) error {
	if _, err := ref.validateTable(); err != nil {
		return err
	}

	current, err := getAttachment(ctx, db, ref)
	if err != nil {
		return err
	}
	if current.RelativePath == nil {
		return nil
	}
	category := vault.Category("")
	if current.Category != nil {
		category = vault.Category(*current.Category)
	}
	relPath := *current.RelativePath

	if err := clearAttachmentColumns(ctx, db, ref); err != nil {
		return err
	}

	if !deleteFile {
		return nil
	}

	var refCount int
	if err := db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+ref.Table+`
		WHERE household_id = ? AND category = ? AND relative_path = ? AND deleted_at IS NULL AND id != ?`,
		ref.HouseholdID, string(category), relPath, ref.RowID).Scan(&refCount); err != nil {
		return herrors.FromSQLError(err)
	}
	if refCount > 0 {
		return nil
	}

	full, err := guard.Resolve(ref.HouseholdID, category, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return herrors.FromIOError(err)
	}
	return nil
}

// ImportItem is one file offered to a bulk Import call.
type ImportItem struct {
	Ref          Ref
	Category     vault.Category
	RelativePath string
	SourcePath   string
}

// ImportResult reports the outcome of one ImportItem.
type ImportResult struct {
	Ref              Ref
	FinalRelativePath string
	Err              error
}

// Import bulk-adds items, resolving (household, category, relative_path)
// conflicts by appending " (N)" before the file extension (so "invoice.pdf"
// becomes "invoice (1).pdf") rather than failing the whole batch on the
// first collision.
func Import(ctx context.Context, db *dbx.DB, guard *vault.Guard, items []ImportItem) []ImportResult {
	out := make([]ImportResult, 0, len(items))
	for _, item := range items {
		finalPath, err := resolveImportConflict(ctx, db, item.Ref, item.Category, item.RelativePath)
		if err == nil {
			err = Add(ctx, db, guard, item.Ref, item.Category, finalPath, item.SourcePath)
		}
		out = append(out, ImportResult{Ref: item.Ref, FinalRelativePath: finalPath, Err: err})
	}
	return out
}

// resolveImportConflict returns relativePath unchanged if it is free, or the
// first "name (N).ext" variant that is.
func resolveImportConflict(ctx context.Context, db *dbx.DB, ref Ref, category vault.Category, relativePath string) (string, error) {
	candidate := relativePath
	for n := 0; ; n++ {
		if n > 0 {
			candidate = suffixed(relativePath, n)
		}
		err := checkPathConflict(ctx, db, ref, category, candidate, "")
		if err == nil {
			return candidate, nil
		}
		if herrors.Code(err) != "ATTACHMENTS/PATH_CONFLICT" {
			return "", err
		}
	}
}

func suffixed(relativePath string, n int) string {
	ext := filepath.Ext(relativePath)
	base := strings.TrimSuffix(relativePath, ext)
	dir := filepath.Dir(relativePath)
	name := filepath.Base(base)
	suffixedName := name + " (" + itoa(n) + ")" + ext
	if dir == "." {
		return suffixedName
	}
	return filepath.ToSlash(filepath.Join(dir, suffixedName))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// List returns every live attachment reference for householdID in table.
func List(ctx context.Context, db *dbx.DB, table, householdID string) ([]types.Attachment, error) {
	if _, ok := registry.ByName(table); !ok {
		return nil, herrors.New("ATTACHMENTS/UNSUPPORTED_TABLE", "table does not carry attachment columns").
			WithContext("table", table)
	}
	rows, err := db.SQL().QueryContext(ctx, `
		SELECT root_key, relative_path, category FROM `+table+`
		WHERE household_id = ? AND deleted_at IS NULL AND relative_path IS NOT NULL`, householdID)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	defer rows.Close()

	var out []types.Attachment
	for rows.Next() {
		var a types.Attachment
		if err := rows.Scan(&a.RootKey, &a.RelativePath, &a.Category); err != nil {
			return nil, herrors.FromSQLError(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.FromSQLError(err)
	}
	return out, nil
}

// Reveal asks the host operating system to show path in its file manager.
// Platforms without a native reveal action return IO/UNSUPPORTED_REVEAL.
func Reveal(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path)
	case "windows":
		cmd = exec.Command("explorer", "/select,", path)
	case "linux":
		cmd = exec.Command("xdg-open", filepath.Dir(path))
	default:
		return herrors.New("IO/UNSUPPORTED_REVEAL", "this platform has no native reveal action").
			WithContext("goos", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return herrors.New("IO/UNSUPPORTED_REVEAL", "failed to launch the platform reveal command").
			WithContext("goos", runtime.GOOS).
			WithContext("error", err.Error())
	}
	return nil
}

func checkPathConflict(ctx context.Context, db *dbx.DB, ref Ref, category vault.Category, relativePath, excludeRowID string) error {
	var count int
	query := `
		SELECT COUNT(*) FROM ` + ref.Table + `
		WHERE household_id = ? AND category = ? AND relative_path = ? AND deleted_at IS NULL`
	args := []any{ref.HouseholdID, string(category), relativePath}
	if excludeRowID != "" {
		query += " AND id != ?"
		args = append(args, excludeRowID)
	}
	if err := db.SQL().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return herrors.FromSQLError(err)
	}
	if count > 0 {
		return herrors.New("ATTACHMENTS/PATH_CONFLICT", "an attachment already references this path").
			WithContext("household_id", ref.HouseholdID).
			WithContext("category", string(category)).
			WithContext("relative_path", relativePath)
	}
	return nil
}

func setAttachmentColumns(ctx context.Context, db *dbx.DB, ref Ref, rootKey, relativePath string, category vault.Category) error {
	res, err := db.SQL().ExecContext(ctx, `
		UPDATE `+ref.Table+` SET root_key = ?, relative_path = ?, category = ?
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL`,
		rootKey, relativePath, string(category), ref.RowID, ref.HouseholdID)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herrors.FromSQLError(err)
	}
	if n == 0 {
		return herrors.New("ATTACHMENTS/ROW_NOT_FOUND", "row does not exist for this household").
			WithContext("table", ref.Table).WithContext("row_id", ref.RowID)
	}
	return nil
}

func clearAttachmentColumns(ctx context.Context, db *dbx.DB, ref Ref) error {
	_, err := db.SQL().ExecContext(ctx, `
		UPDATE `+ref.Table+` SET root_key = NULL, relative_path = NULL, category = NULL
		WHERE id = ? AND household_id = ?`, ref.RowID, ref.HouseholdID)
	if err != nil {
		return herrors.FromSQLError(err)
	}
	return nil
}

func getAttachment(ctx context.Context, db *dbx.DB, ref Ref) (types.Attachment, error) {
	var a types.Attachment
	row := db.SQL().QueryRowContext(ctx, `
		SELECT root_key, relative_path, category FROM `+ref.Table+`
		WHERE id = ? AND household_id = ?`, ref.RowID, ref.HouseholdID)
	err := row.Scan(&a.RootKey, &a.RelativePath, &a.Category)
	if err == sql.ErrNoRows {
		return a, herrors.New("ATTACHMENTS/ROW_NOT_FOUND", "row does not exist for this household").
			WithContext("table", ref.Table).WithContext("row_id", ref.RowID)
	}
	if err != nil {
		return a, herrors.FromSQLError(err)
	}
	return a, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return herrors.FromIOError(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return herrors.FromIOError(err)
	}
	return out.Sync()
}
