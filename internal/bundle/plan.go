package bundle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// ConflictKind classifies one bundle row or attachment against the
// destination database/vault.
type ConflictKind string

const (
	ConflictNew       ConflictKind = "new"
	ConflictDuplicate ConflictKind = "duplicate"
	ConflictDivergent ConflictKind = "divergent"
)

// TablePlan summarises one table's conflict buckets.
type TablePlan struct {
	Table     string `json:"table"`
	New       int    `json:"new"`
	Duplicate int    `json:"duplicate"`
	Divergent int    `json:"divergent"`
}

// AttachmentPlan summarises the attachments conflict buckets.
type AttachmentPlan struct {
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Divergent int `json:"divergent"`
}

// ImportPlan is the Plan phase's output: a topological table order plus
// per-table and per-attachment conflict buckets.
type ImportPlan struct {
	TableOrder  []string             `json:"tableOrder"`
	Tables      map[string]TablePlan `json:"tables"`
	Attachments AttachmentPlan       `json:"attachments"`
}

// Plan computes the import plan for bundleDir against db/vaultBase without
// mutating either.
func Plan(ctx context.Context, db *dbx.DB, vaultBase, bundleDir string, manifest *types.BundleManifest) (*ImportPlan, error) {
	order := make([]string, 0, len(manifest.Tables))
	for _, name := range OrderedTableNames() {
		if _, ok := manifest.Tables[name]; ok {
			order = append(order, name)
		}
	}

	plan := &ImportPlan{TableOrder: order, Tables: make(map[string]TablePlan, len(order))}
	for _, table := range order {
		tp, err := planTable(ctx, db, bundleDir, table)
		if err != nil {
			return nil, err
		}
		plan.Tables[table] = tp
	}

	attachmentPlan, err := planAttachments(vaultBase, bundleDir)
	if err != nil {
		return nil, err
	}
	plan.Attachments = attachmentPlan

	return plan, nil
}

func planTable(ctx context.Context, db *dbx.DB, bundleDir, table string) (TablePlan, error) {
	tp := TablePlan{Table: table}

	f, err := os.Open(tableJSONLPath(bundleDir, table))
	if err != nil {
		return tp, herrors.FromIOError(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return tp, herrors.FromJSONError(err)
		}
		id, _ := row["id"].(string)
		if id == "" {
			return tp, herrors.New("BUNDLE/ROW_MISSING_ID", "bundle row has no id column").WithContext("table", table)
		}

		existingLine, found, err := existingRowJSON(ctx, db, table, id)
		if err != nil {
			return tp, err
		}
		switch {
		case !found:
			tp.New++
		case bytesEqualJSON(existingLine, line):
			tp.Duplicate++
		default:
			tp.Divergent++
		}
	}
	if err := scanner.Err(); err != nil {
		return tp, herrors.FromIOError(err)
	}
	return tp, nil
}

// existingRowJSON fetches table's row with the given id and renders it the
// same way exportTable renders a row, so it can be compared byte-for-byte
// against the bundle's stored line.
func existingRowJSON(ctx context.Context, db *dbx.DB, table, id string) ([]byte, bool, error) {
	rows, err := db.SQL().QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q WHERE id = ?", table), id)
	if err != nil {
		return nil, false, herrors.FromSQLError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, herrors.FromSQLError(err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, herrors.FromSQLError(err)
	}
	line, err := rowToJSON(cols, vals)
	if err != nil {
		return nil, false, err
	}
	return line, true, nil
}

// bytesEqualJSON compares two JSON object encodings for semantic equality
// by re-marshalling through a map, so key order and whitespace differences
// don't produce false divergences.
func bytesEqualJSON(a, b []byte) bool {
	var ma, mb map[string]any
	if json.Unmarshal(a, &ma) != nil || json.Unmarshal(b, &mb) != nil {
		return string(a) == string(b)
	}
	na, errA := json.Marshal(ma)
	nb, errB := json.Marshal(mb)
	if errA != nil || errB != nil {
		return string(a) == string(b)
	}
	return string(na) == string(nb)
}

func planAttachments(vaultBase, bundleDir string) (AttachmentPlan, error) {
	var plan AttachmentPlan
	entries, err := ParseAttachmentsManifest(bundleDir)
	if err != nil {
		return plan, err
	}
	for _, e := range entries {
		dest := filepath.Join(vaultBase, filepath.FromSlash(e.RelativePath))
		if _, statErr := os.Stat(dest); os.IsNotExist(statErr) {
			plan.New++
			continue
		} else if statErr != nil {
			return plan, herrors.FromIOError(statErr)
		}
		existingHash, err := sha256File(dest)
		if err != nil {
			return plan, err
		}
		if existingHash == e.SHA256 {
			plan.Duplicate++
		} else {
			plan.Divergent++
		}
	}
	return plan, nil
}
