// Package store contains the database layer for requiem.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Language identifies a supported script language. The set is closed;
// anything else is rejected at submission time.
type Language string

const (
	LanguagePython Language = "python"
	LanguageGo     Language = "go"
	LanguageRust   Language = "rust"
)

// Script is an analyst-submitted unit of work. The engine treats scripts as
// read-only: only the metadata store writes these fields.
type Script struct {
	ID       uuid.UUID
	Name     string
	Language Language
	Version  string // language version, e.g. "3.11", "1.21", "1.75"

	SourceCode string
	// AdditionalFiles maps workspace-relative paths to file bodies, for
	// multi-file scripts (e.g. Rust crates with several modules).
	AdditionalFiles map[string]string
	// Requirements is free-text dependency declarations; the format depends
	// on the language (pip requirements, go.mod require lines, Cargo deps).
	Requirements string
	BuildCommand string // optional, overrides the registry default
	EntryPoint   string // optional, overrides the registry default run command

	TimeoutSeconds int
	MemoryLimitMB  int64
	CPULimit       float64 // fractional cores; 0 means 1 core

	CreatedAt time.Time
}

// Evidence references a forensic data file the engine may expose read-only
// to a running script.
type Evidence struct {
	UID       string
	CaseID    string
	LocalPath string
	AddedAt   time.Time
}

// Run is the mutable record the engine owns for the duration of one
// execution attempt. It is created queued, advances forward-only through the
// state machine, and becomes immutable once terminal. Retries create a new
// Run; an existing Run is never reused.
type Run struct {
	ID          uuid.UUID
	ScriptID    uuid.UUID
	EvidenceUID string

	Status          RunStatus
	ProgressMessage string
	StartedAt       *time.Time
	EndedAt         *time.Time
	OutputPath      string
	ErrorMessage    string
	// ContainerID references the currently (or last) active container, used
	// for cancellation and cleanup. At most one container is active per Run.
	ContainerID string
	// CancelRequested is the sentinel an operator writes onto the ledger.
	// The engine's poll loop only reads it, never sets it.
	CancelRequested bool

	CreatedAt time.Time
}

// RunStatus is the state of a Run in its lifecycle.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusBuilding    RunStatus = "building"
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusTimedOut    RunStatus = "timed_out"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusBuildFailed RunStatus = "build_failed"
)

// Terminal reports whether the status is final. No field of a terminal Run
// is mutated afterwards.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut,
		RunStatusCancelled, RunStatusBuildFailed:
		return true
	}
	return false
}

// RunRequest is the triple the dispatch layer hands to a worker.
type RunRequest struct {
	RunID       uuid.UUID `json:"run_id"`
	ScriptID    uuid.UUID `json:"script_id"`
	EvidenceUID string    `json:"evidence_uid"`
}
