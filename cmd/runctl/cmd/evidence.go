package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"requiem/internal/store"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage evidence registrations",
}

var evidenceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an evidence file",
	Long: `Register a local evidence file under a case. The file is mounted
read-only into script containers; the engine never modifies it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("uid")
		caseID, _ := cmd.Flags().GetString("case")
		path, _ := cmd.Flags().GetString("path")

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("evidence file not accessible: %w", err)
		}

		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.CreateEvidence(ctx, &store.Evidence{
			UID:       uid,
			CaseID:    caseID,
			LocalPath: path,
		}); err != nil {
			return err
		}

		cmd.Printf("Evidence %s registered for case %s\n", uid, caseID)
		return nil
	},
}

var evidenceRunsCmd = &cobra.Command{
	Use:   "runs [evidence_uid]",
	Short: "List run history for an evidence file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRunsForEvidence(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		if len(runs) == 0 {
			cmd.Printf("No runs for evidence %s\n", args[0])
			return nil
		}

		for _, run := range runs {
			cmd.Printf("%s  %s  %s\n", run.ID, colorizeStatus(run.Status), run.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	evidenceAddCmd.Flags().String("uid", "", "evidence UID (required)")
	evidenceAddCmd.Flags().String("case", "", "case identifier (required)")
	evidenceAddCmd.Flags().String("path", "", "local path to the evidence file (required)")
	evidenceAddCmd.MarkFlagRequired("uid")
	evidenceAddCmd.MarkFlagRequired("case")
	evidenceAddCmd.MarkFlagRequired("path")

	evidenceCmd.AddCommand(evidenceAddCmd)
	evidenceCmd.AddCommand(evidenceRunsCmd)
	rootCmd.AddCommand(evidenceCmd)
}
