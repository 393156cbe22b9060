package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arklowdun/dbcore/internal/bundle"
	"github.com/arklowdun/dbcore/internal/dbx"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "database health, backup, and guided repair",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "run every health check and report the aggregate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := app.refreshGate(cmd.Context())
		if err != nil {
			return err
		}
		if err := printResult(report); err != nil {
			return err
		}
		if report.Status != "ok" {
			return fmt.Errorf("database is not healthy: %s", report.Status)
		}
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "take an online snapshot of the live database",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.backup.Run(cmd.Context(), app.dbPath)
		if err != nil {
			return err
		}
		return printResult(result.Manifest)
	},
}

var dbRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "guided repair: snapshot, rebuild, validate, atomic swap",
	Long: `repair snapshots the live database, rebuilds a fresh copy at the current
migration head, streams every table's rows into it, validates the rebuild's
health, and atomically swaps it in for the live file. The original file is
kept alongside as pre-repair.sqlite3 so a failed swap never loses data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		result, err := app.repair.Run(ctx, app.dbPath,
			func(ctx context.Context, path string) (*dbx.DB, error) {
				return dbx.Open(ctx, path, app.logger)
			},
			func(ctx context.Context, db *dbx.DB) ([]string, error) {
				return tableNamesFromRegistry(), nil
			},
		)
		if err != nil {
			return err
		}
		if _, herr := app.refreshGate(ctx); herr != nil {
			return herr
		}
		fmt.Fprintln(os.Stdout, "repaired; previous file archived at", result.ArchivePath)
		return nil
	},
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "reclaim pages for households queued by a completed cascade",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var queued int64
		if err := app.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM cascade_vacuum_queue`).Scan(&queued); err != nil {
			return err
		}
		if queued == 0 {
			fmt.Fprintln(os.Stdout, "vacuum: nothing queued")
			return nil
		}
		if _, err := app.db.SQL().ExecContext(ctx, "VACUUM"); err != nil {
			return err
		}
		if _, err := app.db.SQL().ExecContext(ctx, `DELETE FROM cascade_vacuum_queue`); err != nil {
			return err
		}
		if _, err := app.refreshGate(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "vacuum: reclaimed pages for %d queued cascade(s)\n", queued)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbStatusCmd, dbBackupCmd, dbRepairCmd, dbVacuumCmd)
}

// tableNamesFromRegistry returns every registry table in dependency order
// (household first, note_links last), the row set repair.Run needs to
// stream into the rebuilt database. Ordering matters: foreign keys stay
// enforced during the import transaction, so parents must land before the
// rows that reference them.
func tableNamesFromRegistry() []string {
	return bundle.OrderedTableNames()
}
