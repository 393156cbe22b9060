package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arklowdun/dbcore/internal/household"
	"github.com/arklowdun/dbcore/internal/jobs"
)

var householdCmd = &cobra.Command{
	Use:   "household",
	Short: "household maintenance operations",
}

var householdDeleteCmd = &cobra.Command{
	Use:   "delete <household-id>",
	Short: "cascade-delete a household: dependent rows, vault files, then the row itself",
	Long: `delete runs the full cascade pipeline against one household. The cascade
is chunked and checkpointed: interrupting it (Ctrl-C) commits the current
chunk and records a checkpoint, and re-running the command resumes from
where it stopped. The default household cannot be deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.gate.Check(); err != nil {
			return err
		}
		ctx := cmd.Context()
		householdID := args[0]
		app.active.Set(householdID)

		var cascadeResult *household.CascadeResult
		handle := jobs.Run(ctx, func(ctx context.Context, cancelled func() bool, emit func(any)) error {
			res, err := household.Cascade(ctx, app.db, app.clk, app.logger, household.CascadeOptions{
				HouseholdID: householdID,
				VaultBase:   app.vault.Base(),
			}, cancelled, func(p household.CascadeProgress) { emit(p) })
			cascadeResult = res
			return err
		})

		// Ctrl-C raises the job's cooperative cancel flag instead of ending the
		// process, so the chunk in flight commits along with its checkpoint.
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			handle.Cancel()
		}()

		for p := range handle.Progress() {
			if cp, ok := p.(household.CascadeProgress); ok && !jsonOutput {
				fmt.Fprintf(os.Stdout, "cascade: phase=%s deleted=%d remaining_files=%d\n",
					cp.Phase, cp.DeletedCount, cp.RemainingPaths)
			}
		}

		result := handle.Wait()
		if result.Err != nil {
			return result.Err
		}
		completed := cascadeResult != nil && cascadeResult.Completed
		return printResult(struct {
			Status    jobs.Status `json:"status"`
			Completed bool        `json:"completed"`
		}{Status: result.Status, Completed: completed})
	},
}

func init() {
	householdCmd.AddCommand(householdDeleteCmd)
	rootCmd.AddCommand(householdCmd)
}
