package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/events"
)

var (
	backfillHouseholdID     string
	backfillFallbackZone    string
	backfillChunkSize       int
	backfillDryRun          bool
	backfillResetCheckpoint bool
)

var timeBackfillCmd = &cobra.Command{
	Use:   "time-backfill",
	Short: "convert a household's legacy wall-clock events to UTC, chunk by chunk",
	Long: `time-backfill walks a household's events in stored order, reinterpreting
any event still on the legacy wall-clock timestamp format as UTC using the
household's timezone (or --fallback-zone if it has none), writing a
checkpoint after every chunk so the run can be interrupted and resumed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillHouseholdID == "" {
			return fmt.Errorf("--household is required")
		}
		// Backfill is an ordinary mutation, so it goes through the write gate
		// like any domain write would; run `hhctl db status` first to prime
		// the cached report if this returns DB_UNHEALTHY_WRITE_BLOCKED.
		if !backfillDryRun {
			if _, err := app.gate.Check(); err != nil {
				return err
			}
		}
		app.active.Set(backfillHouseholdID)
		chunkSize := backfillChunkSize
		if chunkSize == 0 {
			chunkSize = app.cfg.BackfillChunkSize
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := events.BackfillOptions{
			HouseholdID:     backfillHouseholdID,
			FallbackZone:    backfillFallbackZone,
			ChunkSize:       chunkSize,
			DryRun:          backfillDryRun,
			ResetCheckpoint: backfillResetCheckpoint,
		}

		result, err := events.Backfill(ctx, app.db, app.clk, app.logger, opts,
			func() bool { return ctx.Err() != nil },
			func(p events.Progress) {
				if !jsonOutput {
					fmt.Fprintf(os.Stdout, "backfill: %d/%d processed, %d updated, %d skipped\n",
						p.Processed, p.Total, p.Updated, p.Skipped)
				}
			},
		)
		if err != nil {
			return err
		}

		// Shadow-read mode re-derives every converted row and reports any
		// disagreement before the run is declared good.
		if app.cfg.BackfillShadowRead && !backfillDryRun && result.Status == events.BackfillCompleted {
			drift, derr := events.RunDriftCheck(ctx, app.db, events.DriftCheckOptions{HouseholdID: backfillHouseholdID})
			if derr != nil {
				return derr
			}
			if len(drift.DriftEvents) > 0 {
				app.logger.Warn("backfill_shadow_read_drift",
					zap.String("household_id", backfillHouseholdID),
					zap.Int("drift_events", len(drift.DriftEvents)))
			}
		}

		return printResult(result)
	},
}

func init() {
	timeBackfillCmd.Flags().StringVar(&backfillHouseholdID, "household", "", "household id to backfill (required)")
	timeBackfillCmd.Flags().StringVar(&backfillFallbackZone, "fallback-zone", "UTC", "IANA zone to use when the household has none set")
	timeBackfillCmd.Flags().IntVar(&backfillChunkSize, "chunk-size", 0, "rows per chunk (default: config backfill.chunk_size)")
	timeBackfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "report what would change without writing")
	timeBackfillCmd.Flags().BoolVar(&backfillResetCheckpoint, "reset-checkpoint", false, "ignore any existing checkpoint and restart from the beginning")
}
