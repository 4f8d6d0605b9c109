package postgres

import (
	"context"
	"fmt"

	"requiem/internal/store"

	"github.com/google/uuid"
)

// runColumns is the select list shared by every run read.
const runColumns = `id, script_id, evidence_uid, status, progress_message,
	started_at, ended_at, output_path, error_message, container_id,
	cancel_requested, created_at`

// CreateRun inserts a new Run in status queued.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	executor := s.getExecutor(tx)

	if run.Status == "" {
		run.Status = store.RunStatusQueued
	}

	_, err := executor.ExecContext(ctx, `
		INSERT INTO runs (id, script_id, evidence_uid, status, progress_message, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, run.ID, run.ScriptID, run.EvidenceUID, run.Status, run.ProgressMessage)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRunByID returns a run by its ID.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"

	var run store.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.ScriptID, &run.EvidenceUID,
		&run.Status, &run.ProgressMessage,
		&run.StartedAt, &run.EndedAt,
		&run.OutputPath, &run.ErrorMessage, &run.ContainerID,
		&run.CancelRequested, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// MarkBuilding transitions queued -> building. The WHERE clause guards the
// forward-only invariant: a run past queued is never pulled back.
func (s *Store) MarkBuilding(ctx context.Context, id uuid.UUID, progress string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, progress_message = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $3 AND status = $4
	`, store.RunStatusBuilding, progress, id, store.RunStatusQueued)
	if err != nil {
		return err
	}
	return requireRowUpdated(res, id, store.RunStatusBuilding)
}

// MarkRunning transitions queued|building -> running. Interpreted scripts
// skip the build phase, so both predecessors are allowed.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, progress string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, progress_message = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $3 AND status IN ($4, $5)
	`, store.RunStatusRunning, progress, id, store.RunStatusQueued, store.RunStatusBuilding)
	if err != nil {
		return err
	}
	return requireRowUpdated(res, id, store.RunStatusRunning)
}

// SetProgress updates the progress message of a non-terminal run.
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, progress string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET progress_message = $1
		WHERE id = $2 AND status NOT IN ($3, $4, $5, $6, $7)
	`, progress, id,
		store.RunStatusSucceeded, store.RunStatusFailed, store.RunStatusTimedOut,
		store.RunStatusCancelled, store.RunStatusBuildFailed)
	return err
}

// SetContainer records the active container handle on the run.
func (s *Store) SetContainer(ctx context.Context, id uuid.UUID, containerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET container_id = $1 WHERE id = $2
	`, containerID, id)
	return err
}

// FinishRun writes a terminal status. Already-terminal runs are left
// untouched so cleanup retries cannot overwrite the recorded outcome.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status store.RunStatus, outputPath, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("refusing to finish run %s with non-terminal status %q", id, status)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, output_path = $2, error_message = $3, ended_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6, $7, $8, $9)
	`, status, outputPath, errMsg, id,
		store.RunStatusSucceeded, store.RunStatusFailed, store.RunStatusTimedOut,
		store.RunStatusCancelled, store.RunStatusBuildFailed)
	return err
}

// RequestCancel writes the cancel-requested sentinel onto an active run.
// Terminal runs are not touched; cancelling a finished run is a no-op.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET cancel_requested = TRUE
		WHERE id = $1 AND status NOT IN ($2, $3, $4, $5, $6)
	`, id,
		store.RunStatusSucceeded, store.RunStatusFailed, store.RunStatusTimedOut,
		store.RunStatusCancelled, store.RunStatusBuildFailed)
	return err
}

// CancelRequested reads the cancel sentinel for the poll loop.
func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		"SELECT cancel_requested FROM runs WHERE id = $1", id,
	).Scan(&requested)
	if err != nil {
		return false, err
	}
	return requested, nil
}

// ListRunsForEvidence returns run history for an evidence, newest first.
func (s *Store) ListRunsForEvidence(ctx context.Context, evidenceUID string) ([]store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE evidence_uid = $1 ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, evidenceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID, &run.ScriptID, &run.EvidenceUID,
			&run.Status, &run.ProgressMessage,
			&run.StartedAt, &run.EndedAt,
			&run.OutputPath, &run.ErrorMessage, &run.ContainerID,
			&run.CancelRequested, &run.CreatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// requireRowUpdated turns a zero-row phase transition into an error: it means
// the run was not in the expected predecessor state.
func requireRowUpdated(res interface{ RowsAffected() (int64, error) }, id uuid.UUID, target store.RunStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: invalid transition to %s", id, target)
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
