// Package bundle implements the import/export bundle format: a directory
// containing manifest.json, one data/<table>.jsonl per table, a mirrored
// attachments/ tree, and attachments_manifest.txt.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/arklowdun/dbcore/internal/fsx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/registry"
)

const (
	// DataDirName is the bundle subdirectory holding one JSONL file per table.
	DataDirName = "data"
	// AttachmentsDirName mirrors the vault layout under the bundle root.
	AttachmentsDirName = "attachments"
	// ManifestName is the bundle's top-level manifest file.
	ManifestName = "manifest.json"
	// AttachmentsManifestName lists every bundled attachment and its hash.
	AttachmentsManifestName = "attachments_manifest.txt"
	// ReportsDirName holds the machine-readable import report written by
	// the Execute phase's caller.
	ReportsDirName = "reports"
)

// Table ranks order imports so parents land before the rows that reference
// them: household first, then the parent tables (pets, vehicles,
// categories), then their attachment-bearing children, and note_links last
// since it references rows in several other tables.
const (
	rankHousehold     = 0
	rankParents       = 10
	rankHouseholdChild = 20
	rankEvents        = 30
	rankNotes         = 40
	rankNoteLinks     = 50
	rankDefault       = 1000
)

func tableRank(name string) int {
	switch name {
	case "household":
		return rankHousehold
	case "pets", "vehicles", "categories":
		return rankParents
	case "bills", "policies", "property_documents", "inventory_items", "vehicle_maintenance", "pet_medical":
		return rankHouseholdChild
	case "events":
		return rankEvents
	case "notes":
		return rankNotes
	case "note_links":
		return rankNoteLinks
	default:
		return rankDefault
	}
}

// OrderedTableNames returns every registry table name in the order a bundle
// export writes them and an import applies them: parents before the
// children that reference them, note_links last.
func OrderedTableNames() []string {
	names := make([]string, 0, len(registry.Tables))
	for _, t := range registry.Tables {
		names = append(names, t.Name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := tableRank(names[i]), tableRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", herrors.FromIOError(err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", herrors.FromIOError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sha256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func tableJSONLPath(bundleDir, table string) string {
	return filepath.Join(bundleDir, DataDirName, table+".jsonl")
}

// writeJSONAtomic marshals v and writes it to path via the shared atomic
// write primitive.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return herrors.FromJSONError(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return herrors.FromIOError(err)
	}
	return fsx.WriteFileAtomic(path, data, 0o600, nil)
}
