package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"requiem/internal/store"

	"github.com/google/uuid"
)

// GetScriptByID returns a script by its ID. The engine only ever reads
// scripts; writes belong to the metadata API.
func (s *Store) GetScriptByID(ctx context.Context, id uuid.UUID) (*store.Script, error) {
	query := `
		SELECT id, name, language, language_version, source_code,
		       additional_files, requirements, build_command, entry_point,
		       timeout_seconds, memory_limit_mb, cpu_limit, created_at
		FROM scripts WHERE id = $1
	`

	var script store.Script
	var additionalFiles []byte
	var requirements, buildCommand, entryPoint sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&script.ID, &script.Name, &script.Language, &script.Version,
		&script.SourceCode, &additionalFiles,
		&requirements, &buildCommand, &entryPoint,
		&script.TimeoutSeconds, &script.MemoryLimitMB, &script.CPULimit,
		&script.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	script.Requirements = requirements.String
	script.BuildCommand = buildCommand.String
	script.EntryPoint = entryPoint.String

	if len(additionalFiles) > 0 {
		if err := json.Unmarshal(additionalFiles, &script.AdditionalFiles); err != nil {
			return nil, fmt.Errorf("script %s has malformed additional_files: %w", id, err)
		}
	}

	return &script, nil
}

// CreateScript inserts a new script definition. Used by runctl; the engine
// itself never calls this.
func (s *Store) CreateScript(ctx context.Context, tx store.DBTransaction, script *store.Script) error {
	executor := s.getExecutor(tx)

	var additionalFiles []byte
	if len(script.AdditionalFiles) > 0 {
		b, err := json.Marshal(script.AdditionalFiles)
		if err != nil {
			return fmt.Errorf("failed to marshal additional files: %w", err)
		}
		additionalFiles = b
	}

	_, err := executor.ExecContext(ctx, `
		INSERT INTO scripts (id, name, language, language_version, source_code,
			additional_files, requirements, build_command, entry_point,
			timeout_seconds, memory_limit_mb, cpu_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, script.ID, script.Name, script.Language, script.Version,
		script.SourceCode, additionalFiles,
		script.Requirements, script.BuildCommand, script.EntryPoint,
		script.TimeoutSeconds, script.MemoryLimitMB, script.CPULimit)
	if err != nil {
		return fmt.Errorf("failed to create script %s: %w", script.Name, err)
	}
	return nil
}
