package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/registry"
	"github.com/arklowdun/dbcore/internal/types"
)

// ExportConfig configures one Export call.
type ExportConfig struct {
	DestDir       string
	AppVersion    string
	SchemaVersion string // head migration stem
	VaultBase     string
}

// Export writes a complete bundle (manifest, per-table JSONL, mirrored
// attachments, attachments manifest) for every row in every registry table.
func Export(ctx context.Context, db *dbx.DB, clk clock.Clock, cfg ExportConfig) (*types.BundleManifest, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	dataDir := filepath.Join(cfg.DestDir, DataDirName)
	attachmentsDir := filepath.Join(cfg.DestDir, AttachmentsDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, herrors.FromIOError(err)
	}
	if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
		return nil, herrors.FromIOError(err)
	}

	manifest := &types.BundleManifest{
		AppVersion:    cfg.AppVersion,
		SchemaVersion: cfg.SchemaVersion,
		CreatedAt:     clk.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Tables:        make(map[string]types.BundleTableEntry),
	}

	for _, name := range OrderedTableNames() {
		entry, err := exportTable(ctx, db, name, dataDir)
		if err != nil {
			return nil, err
		}
		manifest.Tables[name] = entry
	}

	attachmentsSummary, err := exportAttachments(ctx, db, cfg.VaultBase, attachmentsDir, cfg.DestDir)
	if err != nil {
		return nil, err
	}
	manifest.Attachments = attachmentsSummary

	if err := writeJSONAtomic(filepath.Join(cfg.DestDir, ManifestName), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func exportTable(ctx context.Context, db *dbx.DB, table, dataDir string) (types.BundleTableEntry, error) {
	rows, err := db.SQL().QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q ORDER BY rowid", table))
	if err != nil {
		return types.BundleTableEntry{}, herrors.FromSQLError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return types.BundleTableEntry{}, herrors.FromSQLError(err)
	}

	path := filepath.Join(dataDir, table+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return types.BundleTableEntry{}, herrors.FromIOError(err)
	}
	defer f.Close()

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var count int
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return types.BundleTableEntry{}, herrors.FromSQLError(err)
		}
		line, err := rowToJSON(cols, vals)
		if err != nil {
			return types.BundleTableEntry{}, err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return types.BundleTableEntry{}, herrors.FromIOError(err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return types.BundleTableEntry{}, herrors.FromSQLError(err)
	}
	if err := f.Sync(); err != nil {
		return types.BundleTableEntry{}, herrors.FromIOError(err)
	}
	if err := f.Close(); err != nil {
		return types.BundleTableEntry{}, herrors.FromIOError(err)
	}

	hash, err := sha256File(path)
	if err != nil {
		return types.BundleTableEntry{}, err
	}
	return types.BundleTableEntry{Count: count, SHA256: hash}, nil
}

// rowToJSON renders one row as a JSON object keyed by column name.
// map[string]any marshals with sorted keys, so the resulting bytes are
// deterministic independent of the table's column order.
func rowToJSON(cols []string, vals []any) ([]byte, error) {
	obj := make(map[string]any, len(cols))
	for i, c := range cols {
		obj[c] = normalizeScanValue(vals[i])
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, herrors.FromJSONError(err)
	}
	return data, nil
}

// normalizeScanValue converts database/sql's scan output into JSON-friendly
// values: []byte (the driver's representation for TEXT/BLOB columns) becomes
// a string, everything else passes through unchanged.
func normalizeScanValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// exportAttachments copies every live attachment referenced by a
// registry.WithAttachmentColumns table into destDir, mirroring the vault's
// <household>/<category>/<relpath> layout, and writes the attachments
// manifest plus summary.
func exportAttachments(ctx context.Context, db *dbx.DB, vaultBase, destDir, bundleRoot string) (types.BundleAttachments, error) {
	type entry struct {
		relPath string
		sha256  string
		size    int64
	}
	var entries []entry
	seen := make(map[string]struct{})

	for _, t := range registry.WithAttachmentColumns() {
		rows, err := db.SQL().QueryContext(ctx, `
			SELECT household_id, category, relative_path FROM `+t.Name+`
			WHERE deleted_at IS NULL AND relative_path IS NOT NULL`)
		if err != nil {
			return types.BundleAttachments{}, herrors.FromSQLError(err)
		}
		for rows.Next() {
			var householdID, category, relPath string
			if err := rows.Scan(&householdID, &category, &relPath); err != nil {
				rows.Close()
				return types.BundleAttachments{}, herrors.FromSQLError(err)
			}
			mirrored := filepath.Join(householdID, category, filepath.FromSlash(relPath))
			if _, ok := seen[mirrored]; ok {
				continue
			}
			seen[mirrored] = struct{}{}

			src := filepath.Join(vaultBase, mirrored)
			dst := filepath.Join(destDir, mirrored)
			size, hash, err := copyAttachmentFile(src, dst)
			if err != nil {
				rows.Close()
				return types.BundleAttachments{}, err
			}
			entries = append(entries, entry{relPath: filepath.ToSlash(mirrored), sha256: hash, size: size})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return types.BundleAttachments{}, herrors.FromSQLError(err)
		}
		rows.Close()
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	manifestPath := filepath.Join(bundleRoot, AttachmentsManifestName)
	f, err := os.OpenFile(manifestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return types.BundleAttachments{}, herrors.FromIOError(err)
	}
	var totalBytes int64
	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s\t%s\n", e.relPath, e.sha256); err != nil {
			f.Close()
			return types.BundleAttachments{}, herrors.FromIOError(err)
		}
		totalBytes += e.size
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return types.BundleAttachments{}, herrors.FromIOError(err)
	}
	if err := f.Close(); err != nil {
		return types.BundleAttachments{}, herrors.FromIOError(err)
	}

	manifestHash, err := sha256File(manifestPath)
	if err != nil {
		return types.BundleAttachments{}, err
	}

	return types.BundleAttachments{
		TotalCount:     len(entries),
		TotalBytes:     totalBytes,
		SHA256Manifest: manifestHash,
	}, nil
}

func copyAttachmentFile(src, dst string) (size int64, sha256hex string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", herrors.FromIOError(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, "", herrors.FromIOError(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, "", herrors.FromIOError(err)
	}
	defer out.Close()

	n, werr := io.Copy(out, in)
	if werr != nil {
		return 0, "", herrors.FromIOError(werr)
	}
	if err := out.Sync(); err != nil {
		return 0, "", herrors.FromIOError(err)
	}
	hash, err := sha256File(dst)
	if err != nil {
		return 0, "", err
	}
	return n, hash, nil
}
