package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"requiem/internal/indexer"
	"requiem/pkg/api"
)

// OutputArtifact is the combined stdout/stderr file written for every
// terminal run, regardless of outcome.
const OutputArtifact = "output.txt"

// indexableExtensions are the structured formats handed to the indexer.
var indexableExtensions = map[string]string{
	".jsonl":   "jsonl",
	".csv":     "csv",
	".parquet": "parquet",
}

// OutputCollector writes the combined output artifact and hands structured
// files to the indexing service.
type OutputCollector struct {
	indexer       indexer.Indexer
	maxIndexBytes int64
	logger        *slog.Logger
}

// NewOutputCollector creates an output collector. maxIndexBytes caps the size
// of files submitted for indexing; larger files stay on disk untouched.
func NewOutputCollector(idx indexer.Indexer, maxIndexBytes int64, logger *slog.Logger) *OutputCollector {
	return &OutputCollector{indexer: idx, maxIndexBytes: maxIndexBytes, logger: logger}
}

// WriteArtifact writes output.txt into the run's output directory. The file
// exists for every terminal status so investigators always have something to
// read, even after a timeout or cancellation.
func (c *OutputCollector) WriteArtifact(outputDir, stdout, stderr string, exitCode int) (string, error) {
	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return "", fmt.Errorf("failed to create output dir %s: %w", outputDir, err)
	}

	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if stdout != "" && !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n--- STDERR ---\n")
		b.WriteString(stderr)
	}
	fmt.Fprintf(&b, "\n--- EXIT CODE: %d ---\n", exitCode)

	path := filepath.Join(outputDir, OutputArtifact)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}

// Handoff scans the output directory for structured files and submits each to
// the indexer synchronously. A file is deleted only after the indexer
// acknowledges it; failures leave the file in place for a later sweep.
// Handoff never fails the run: indexing problems are logged and skipped.
func (c *OutputCollector) Handoff(ctx context.Context, runID uuid.UUID, outputDir string) {
	if c.indexer == nil {
		return
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		c.logger.Warn("failed to scan output dir for indexing",
			slog.String("run_id", runID.String()),
			slog.String("dir", outputDir),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		source, ok := indexableExtensions[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}

		path := filepath.Join(outputDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			c.logger.Warn("failed to stat output file",
				slog.String("run_id", runID.String()),
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if c.maxIndexBytes > 0 && info.Size() > c.maxIndexBytes {
			c.logger.Warn("output file exceeds index size ceiling, skipping",
				slog.String("run_id", runID.String()),
				slog.String("file", path),
				slog.Int64("size_bytes", info.Size()),
				slog.Int64("ceiling_bytes", c.maxIndexBytes),
			)
			continue
		}

		resp, err := c.indexer.Index(ctx, api.IndexRequest{
			FilePath: path,
			RunID:    runID.String(),
			Source:   source,
		})
		if err != nil {
			c.logger.Warn("indexing handoff failed, file retained",
				slog.String("run_id", runID.String()),
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.logger.Info("output file indexed",
			slog.String("run_id", runID.String()),
			slog.String("file", path),
			slog.Int("indexed", resp.Indexed),
			slog.Int("failed", resp.Failed),
		)

		if err := os.Remove(path); err != nil {
			c.logger.Warn("failed to remove indexed file",
				slog.String("run_id", runID.String()),
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
		}
	}
}
