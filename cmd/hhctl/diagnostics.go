package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/registry"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "diagnostic reports that don't fit the health/backup/repair surface",
}

// HouseholdStats is one household's row counts across every household-scoped
// table, for `diagnostics household-stats`.
type HouseholdStats struct {
	HouseholdID string         `json:"householdId"`
	Name        string         `json:"name"`
	IsDefault   bool           `json:"isDefault"`
	RowCounts   map[string]int `json:"rowCounts"`
	TotalRows   int            `json:"totalRows"`
}

var diagnosticsHouseholdStatsCmd = &cobra.Command{
	Use:   "household-stats",
	Short: "per-household row counts across every household-scoped table",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := householdStats(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(stats)
	},
}

func householdStats(ctx context.Context) ([]HouseholdStats, error) {
	rows, err := app.db.SQL().QueryContext(ctx, `SELECT id, name, is_default FROM household WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, herrors.FromSQLError(err)
	}
	defer rows.Close()

	var out []HouseholdStats
	for rows.Next() {
		var s HouseholdStats
		if err := rows.Scan(&s.HouseholdID, &s.Name, &s.IsDefault); err != nil {
			return nil, herrors.FromSQLError(err)
		}
		s.RowCounts = make(map[string]int, len(registry.Tables))
		for _, t := range registry.Tables {
			if t.Name == "household" {
				continue
			}
			var n int
			q := fmt.Sprintf("SELECT COUNT(*) FROM %q WHERE household_id = ?", t.Name)
			if err := app.db.SQL().QueryRowContext(ctx, q, s.HouseholdID).Scan(&n); err != nil {
				return nil, herrors.FromSQLError(err).WithContext("table", t.Name)
			}
			s.RowCounts[t.Name] = n
			s.TotalRows += n
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.FromSQLError(err)
	}
	return out, nil
}

func init() {
	diagnosticsCmd.AddCommand(diagnosticsHouseholdStatsCmd)
}
