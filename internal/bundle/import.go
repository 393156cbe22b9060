package bundle

import (
	"context"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/vault"
)

// ImportConfig configures one Import call.
type ImportConfig struct {
	BundleDir     string
	MinAppVersion string
	DryRun        bool
}

// ImportResult bundles every phase's output plus the path of the written
// report.
type ImportResult struct {
	Validation *ValidationReport
	Plan       *ImportPlan
	Execution  *ExecutionReport
	ReportPath string
}

// Import runs the full validate, plan, execute, report pipeline. A DryRun stops after Plan and writes a report with no execution
// section; Validate failures stop immediately with the failing report still
// written so a caller can show the user why the bundle was rejected.
func Import(ctx context.Context, db *dbx.DB, guard *vault.Guard, clk clock.Clock, cfg ImportConfig) (*ImportResult, error) {
	validation, manifest, err := Validate(cfg.BundleDir, cfg.MinAppVersion)
	if err != nil {
		return nil, err
	}
	mode := ModeApply
	if cfg.DryRun {
		mode = ModeDryRun
	}
	if !validation.OK {
		reportPath, werr := WriteReport(clk, cfg.BundleDir, cfg.BundleDir, mode, validation, nil, nil)
		if werr != nil {
			return nil, werr
		}
		return &ImportResult{Validation: validation, ReportPath: reportPath}, herrors.New("BUNDLE/VALIDATION_FAILED", "bundle failed validation").
			WithContext("errors", joinErrors(validation.Errors))
	}

	plan, err := Plan(ctx, db, guard.Base(), cfg.BundleDir, manifest)
	if err != nil {
		return nil, err
	}

	if cfg.DryRun {
		reportPath, err := WriteReport(clk, cfg.BundleDir, cfg.BundleDir, mode, validation, plan, nil)
		if err != nil {
			return nil, err
		}
		return &ImportResult{Validation: validation, Plan: plan, ReportPath: reportPath}, nil
	}

	execution, err := Execute(ctx, db, guard, cfg.BundleDir, plan)
	if err != nil {
		return nil, err
	}

	reportPath, err := WriteReport(clk, cfg.BundleDir, cfg.BundleDir, mode, validation, plan, execution)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Validation: validation, Plan: plan, Execution: execution, ReportPath: reportPath}, nil
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
