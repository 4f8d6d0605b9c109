package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction to
// the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ScriptStore supplies Script records by identifier. The engine never writes
// Script fields, only reads them.
type ScriptStore interface {
	GetScriptByID(ctx context.Context, id uuid.UUID) (*Script, error)
}

// EvidenceStore supplies Evidence records by identifier, read-only.
type EvidenceStore interface {
	GetEvidenceByUID(ctx context.Context, uid string) (*Evidence, error)
}

// RunLedger is the single source of truth for a Run's lifecycle. The
// execution controller is the only writer while a Run is active; the
// cancellation check and status readers only read. Every phase transition is
// written before the corresponding container action starts.
type RunLedger interface {
	// CreateRun inserts a new Run in status queued.
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error

	// GetRunByID returns a run by its ID.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// MarkBuilding transitions queued -> building and stamps started_at.
	MarkBuilding(ctx context.Context, id uuid.UUID, progress string) error

	// MarkRunning transitions queued|building -> running and stamps
	// started_at if the build phase was skipped.
	MarkRunning(ctx context.Context, id uuid.UUID, progress string) error

	// SetProgress updates the human-readable progress message of an active run.
	SetProgress(ctx context.Context, id uuid.UUID, progress string) error

	// SetContainer records the active container handle for cancellation and
	// cleanup bookkeeping.
	SetContainer(ctx context.Context, id uuid.UUID, containerID string) error

	// FinishRun writes a terminal status with output path and error message.
	// Runs already terminal are left untouched.
	FinishRun(ctx context.Context, id uuid.UUID, status RunStatus, outputPath, errMsg string) error

	// RequestCancel writes the cancel-requested sentinel onto an active run.
	// It is the only ledger write that does not originate from the engine.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// CancelRequested reads the cancel sentinel. Called once per poll tick.
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// ListRunsForEvidence returns run history for an evidence, newest first.
	ListRunsForEvidence(ctx context.Context, evidenceUID string) ([]Run, error)
}
