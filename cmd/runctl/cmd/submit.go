package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"requiem/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a script to run against an evidence file",
	Long: `Create a script definition and queue a run of it against the given
evidence. The script source is read from the file passed via --script;
additional files can be attached with repeated --file flags as
workspace-relative paths.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptPath, _ := cmd.Flags().GetString("script")
		name, _ := cmd.Flags().GetString("name")
		language, _ := cmd.Flags().GetString("language")
		version, _ := cmd.Flags().GetString("language-version")
		evidenceUID, _ := cmd.Flags().GetString("evidence")
		requirements, _ := cmd.Flags().GetString("requirements")
		buildCommand, _ := cmd.Flags().GetString("build-command")
		entryPoint, _ := cmd.Flags().GetString("entry-point")
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")
		memoryMB, _ := cmd.Flags().GetInt64("memory-mb")
		cpuLimit, _ := cmd.Flags().GetFloat64("cpu")
		extraFiles, _ := cmd.Flags().GetStringSlice("file")

		source, err := os.ReadFile(scriptPath)
		if err != nil {
			return fmt.Errorf("failed to read script %s: %w", scriptPath, err)
		}

		if name == "" {
			name = filepath.Base(scriptPath)
		}

		additionalFiles := make(map[string]string, len(extraFiles))
		for _, path := range extraFiles {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read additional file %s: %w", path, err)
			}
			additionalFiles[filepath.Base(path)] = string(content)
		}

		script := &store.Script{
			ID:              uuid.New(),
			Name:            name,
			Language:        store.Language(language),
			Version:         version,
			SourceCode:      string(source),
			AdditionalFiles: additionalFiles,
			Requirements:    requirements,
			BuildCommand:    buildCommand,
			EntryPoint:      entryPoint,
			TimeoutSeconds:  timeoutSeconds,
			MemoryLimitMB:   memoryMB,
			CPULimit:        cpuLimit,
		}

		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := db.GetEvidenceByUID(ctx, evidenceUID); err != nil {
			return fmt.Errorf("evidence %s not found: %w", evidenceUID, err)
		}

		run := &store.Run{
			ID:          uuid.New(),
			ScriptID:    script.ID,
			EvidenceUID: evidenceUID,
			Status:      store.RunStatusQueued,
		}

		payload, err := json.Marshal(store.RunRequest{
			RunID:       run.ID,
			ScriptID:    script.ID,
			EvidenceUID: evidenceUID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal run request: %w", err)
		}

		// Script, run and queue entry land together or not at all.
		tx, err := db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := db.CreateScript(ctx, tx, script); err != nil {
			return err
		}
		if err := db.CreateRun(ctx, tx, run); err != nil {
			return err
		}
		if _, err := db.Enqueue(ctx, tx, run.ID, payload, run.CreatedAt); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		cmd.Printf("Script:  %s\n", script.ID)
		cmd.Printf("Run:     %s\n", run.ID)
		cmd.Printf("Queued against evidence %s\n", evidenceUID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().String("script", "", "path to the script source file (required)")
	submitCmd.Flags().String("name", "", "script name (default: source file name)")
	submitCmd.Flags().String("language", "", "script language: python, go or rust (required)")
	submitCmd.Flags().String("language-version", "", "language version, e.g. 3.11 (required)")
	submitCmd.Flags().String("evidence", "", "evidence UID to run against (required)")
	submitCmd.Flags().String("requirements", "", "dependency declarations, one per line")
	submitCmd.Flags().String("build-command", "", "override the default build command")
	submitCmd.Flags().String("entry-point", "", "override the default run command")
	submitCmd.Flags().Int("timeout", 300, "execution timeout in seconds")
	submitCmd.Flags().Int64("memory-mb", 512, "memory limit in megabytes")
	submitCmd.Flags().Float64("cpu", 1, "CPU limit in cores")
	submitCmd.Flags().StringSlice("file", nil, "additional file to place in the workspace (repeatable)")

	submitCmd.MarkFlagRequired("script")
	submitCmd.MarkFlagRequired("language")
	submitCmd.MarkFlagRequired("language-version")
	submitCmd.MarkFlagRequired("evidence")
}
