package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Request cancellation of a run",
	Long: `Write the cancellation marker onto a run. The worker's poll loop observes
the marker within one poll interval, stops the container and records the run
as cancelled. Cancelling an already finished run has no effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", args[0], err)
		}

		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		run, err := db.GetRunByID(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", runID, err)
		}
		if run.Status.Terminal() {
			cmd.Printf("Run %s already finished as %s, nothing to cancel\n", runID, run.Status)
			return nil
		}

		if err := db.RequestCancel(ctx, runID); err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}

		cmd.Printf("Cancellation requested for run %s\n", runID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
