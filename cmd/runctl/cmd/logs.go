package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Print the combined output of a finished run",
	Long: `Print the combined stdout/stderr artifact of a run. The artifact is
written for every terminal status, including timeouts and cancellations.`,
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

		if run.OutputPath == "" {
			cmd.Printf("Run %s has no output yet (status: %s)\n", runID, run.Status)
			return nil
		}

		content, err := os.ReadFile(run.OutputPath)
		if err != nil {
			return fmt.Errorf("failed to read output %s: %w", run.OutputPath, err)
		}

		cmd.Print(string(content))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
