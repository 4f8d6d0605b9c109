package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"requiem/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long: `Retrieve the ledger record of a script run: its current state, progress
message, timestamps, output location and error details.`,
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

		printRun(cmd, run)
		return nil
	},
}

func printRun(cmd *cobra.Command, run *store.Run) {
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sScript:%s      %s\n", colorDim, colorReset, run.ScriptID)
	cmd.Printf("%sEvidence:%s    %s\n", colorDim, colorReset, run.EvidenceUID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))

	if run.ProgressMessage != "" {
		cmd.Printf("%sProgress:%s    %s\n", colorDim, colorReset, run.ProgressMessage)
	}
	if run.CancelRequested && !run.Status.Terminal() {
		cmd.Printf("%sCancel:%s      %srequested%s\n", colorDim, colorReset, colorYellow, colorReset)
	}
	if run.ErrorMessage != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, run.ErrorMessage, colorReset)
	}
	if run.OutputPath != "" {
		cmd.Printf("%sOutput:%s      %s\n", colorDim, colorReset, run.OutputPath)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	if run.StartedAt != nil && run.EndedAt != nil {
		duration := run.EndedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.EndedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.EndedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status store.RunStatus) string {
	switch status {
	case store.RunStatusSucceeded:
		return colorGreen + "✓" + colorReset
	case store.RunStatusFailed, store.RunStatusBuildFailed:
		return colorRed + "✗" + colorReset
	case store.RunStatusTimedOut:
		return colorRed + "⏱" + colorReset
	case store.RunStatusCancelled:
		return colorYellow + "⊘" + colorReset
	case store.RunStatusRunning, store.RunStatusBuilding:
		return colorYellow + "⏳" + colorReset
	case store.RunStatusQueued:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status store.RunStatus) string {
	icon := statusIcon(status)
	name := string(status)
	switch status {
	case store.RunStatusSucceeded:
		return icon + " " + colorGreen + name + colorReset
	case store.RunStatusFailed, store.RunStatusBuildFailed, store.RunStatusTimedOut:
		return icon + " " + colorRed + name + colorReset
	case store.RunStatusRunning, store.RunStatusBuilding, store.RunStatusCancelled:
		return icon + " " + colorYellow + name + colorReset
	case store.RunStatusQueued:
		return icon + " " + colorCyan + name + colorReset
	default:
		return name
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
