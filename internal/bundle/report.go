package bundle

import (
	"path/filepath"

	"github.com/arklowdun/dbcore/internal/clock"
)

// ImportReport is the machine-readable record written under
// <bundle>/reports/: the validation results, the plan, and the execution
// summary, plus the bundle path and mode.
type ImportReport struct {
	GeneratedAt string            `json:"generatedAt"`
	BundlePath  string            `json:"bundlePath"`
	Mode        ImportMode        `json:"mode"`
	Validation  *ValidationReport `json:"validation"`
	Plan        *ImportPlan       `json:"plan"`
	Execution   *ExecutionReport  `json:"execution,omitempty"`
}

// WriteReport writes report under bundleDir/reports/import-<timestamp>.json
// and returns the path written.
func WriteReport(clk clock.Clock, bundleDir, bundlePath string, mode ImportMode, validation *ValidationReport, plan *ImportPlan, execution *ExecutionReport) (string, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	report := &ImportReport{
		GeneratedAt: clk.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		BundlePath:  bundlePath,
		Mode:        mode,
		Validation:  validation,
		Plan:        plan,
		Execution:   execution,
	}
	name := "import-" + clk.Now().UTC().Format("20060102-150405") + ".json"
	path := filepath.Join(bundleDir, ReportsDirName, name)
	if err := writeJSONAtomic(path, report); err != nil {
		return "", err
	}
	return path, nil
}
