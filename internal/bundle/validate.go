package bundle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// ValidationReport is the outcome of the Validate phase, written verbatim
// into the import report.
type ValidationReport struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

func (v *ValidationReport) fail(format string, args ...any) {
	v.OK = false
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// AttachmentManifestEntry is one parsed line of attachments_manifest.txt.
type AttachmentManifestEntry struct {
	RelativePath string
	SHA256       string
}

// LoadManifest reads and parses a bundle's manifest.json.
func LoadManifest(bundleDir string) (*types.BundleManifest, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, ManifestName))
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	var m types.BundleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, herrors.FromJSONError(err)
	}
	return &m, nil
}

// ParseAttachmentsManifest reads attachments_manifest.txt into its entries.
func ParseAttachmentsManifest(bundleDir string) ([]AttachmentManifestEntry, error) {
	f, err := os.Open(filepath.Join(bundleDir, AttachmentsManifestName))
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	defer f.Close()

	var entries []AttachmentManifestEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, herrors.New("BUNDLE/ATTACHMENTS_MANIFEST_INVALID", "malformed attachments manifest line").
				WithContext("line", line)
		}
		entries = append(entries, AttachmentManifestEntry{RelativePath: parts[0], SHA256: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, herrors.FromIOError(err)
	}
	return entries, nil
}

// Validate runs the import pipeline's first phase: bundle structure,
// referenced files exist, and every declared hash matches the bytes on
// disk. minAppVersion is the lowest bundle appVersion this build will
// import.
func Validate(bundleDir, minAppVersion string) (*ValidationReport, *types.BundleManifest, error) {
	report := &ValidationReport{OK: true}

	manifestPath := filepath.Join(bundleDir, ManifestName)
	if _, err := os.Stat(manifestPath); err != nil {
		report.fail("manifest.json not found")
		return report, nil, nil
	}
	manifest, err := LoadManifest(bundleDir)
	if err != nil {
		report.fail("manifest.json could not be parsed: %v", err)
		return report, nil, nil
	}

	if !versionAtLeast(manifest.AppVersion, minAppVersion) {
		report.fail("bundle appVersion %s is older than the minimum supported %s", manifest.AppVersion, minAppVersion)
	}

	dataDir := filepath.Join(bundleDir, DataDirName)
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		report.fail("bundle is missing the data directory")
	}
	attachmentsDir := filepath.Join(bundleDir, AttachmentsDirName)
	if info, err := os.Stat(attachmentsDir); err != nil || !info.IsDir() {
		report.fail("bundle is missing the attachments directory")
	}
	attachmentsManifestPath := filepath.Join(bundleDir, AttachmentsManifestName)
	if _, err := os.Stat(attachmentsManifestPath); err != nil {
		report.fail("bundle is missing attachments_manifest.txt")
	}
	if !report.OK {
		return report, manifest, nil
	}

	for table, wantEntry := range manifest.Tables {
		path := tableJSONLPath(bundleDir, table)
		if _, err := os.Stat(path); err != nil {
			report.fail("bundle data file missing: %s.jsonl", table)
			continue
		}
		gotHash, err := sha256File(path)
		if err != nil {
			report.fail("could not hash %s.jsonl: %v", table, err)
			continue
		}
		if gotHash != wantEntry.SHA256 {
			report.fail("table %s hash mismatch: manifest says %s, file is %s", table, wantEntry.SHA256, gotHash)
		}
		count, err := countLines(path)
		if err != nil {
			report.fail("could not count rows in %s.jsonl: %v", table, err)
			continue
		}
		if count != wantEntry.Count {
			report.fail("table %s row count mismatch: manifest says %d, file has %d", table, wantEntry.Count, count)
		}
	}

	attachmentEntries, err := ParseAttachmentsManifest(bundleDir)
	if err != nil {
		report.fail("attachments manifest could not be parsed: %v", err)
		return report, manifest, nil
	}
	if len(attachmentEntries) != manifest.Attachments.TotalCount {
		report.fail("attachments manifest declares %d entries, manifest.json says %d", len(attachmentEntries), manifest.Attachments.TotalCount)
	}
	for _, e := range attachmentEntries {
		path := filepath.Join(attachmentsDir, filepath.FromSlash(e.RelativePath))
		if _, err := os.Stat(path); err != nil {
			report.fail("bundle attachment missing: %s", e.RelativePath)
			continue
		}
		gotHash, err := sha256File(path)
		if err != nil {
			report.fail("could not hash attachment %s: %v", e.RelativePath, err)
			continue
		}
		if gotHash != e.SHA256 {
			report.fail("attachment %s hash mismatch: manifest says %s, file is %s", e.RelativePath, e.SHA256, gotHash)
		}
	}
	attachmentsManifestHash, err := sha256File(attachmentsManifestPath)
	if err != nil {
		report.fail("could not hash attachments_manifest.txt: %v", err)
	} else if attachmentsManifestHash != manifest.Attachments.SHA256Manifest {
		report.fail("attachments_manifest.txt hash mismatch: manifest.json says %s, file is %s", manifest.Attachments.SHA256Manifest, attachmentsManifestHash)
	}

	return report, manifest, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, herrors.FromIOError(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		n++
	}
	return n, scanner.Err()
}

// versionAtLeast compares two dotted-numeric version strings (e.g.
// "1.4.0"); a malformed component compares as 0.
func versionAtLeast(got, min string) bool {
	if min == "" {
		return true
	}
	gotParts := strings.Split(got, ".")
	minParts := strings.Split(min, ".")
	for i := 0; i < len(minParts); i++ {
		var g, m int
		if i < len(gotParts) {
			g, _ = strconv.Atoi(gotParts[i])
		}
		m, _ = strconv.Atoi(minParts[i])
		if g != m {
			return g > m
		}
	}
	return true
}
