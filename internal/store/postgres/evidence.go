package postgres

import (
	"context"
	"fmt"

	"requiem/internal/store"
)

// GetEvidenceByUID returns an evidence record by its logical identifier.
func (s *Store) GetEvidenceByUID(ctx context.Context, uid string) (*store.Evidence, error) {
	query := "SELECT uid, case_id, local_path, added_at FROM evidence WHERE uid = $1"

	var evidence store.Evidence
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&evidence.UID, &evidence.CaseID, &evidence.LocalPath, &evidence.AddedAt,
	)
	if err != nil {
		return nil, err
	}

	return &evidence, nil
}

// CreateEvidence registers an evidence file. Used by runctl; the engine only
// ever reads evidence.
func (s *Store) CreateEvidence(ctx context.Context, evidence *store.Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (uid, case_id, local_path, added_at)
		VALUES ($1, $2, $3, NOW())
	`, evidence.UID, evidence.CaseID, evidence.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to create evidence %s: %w", evidence.UID, err)
	}
	return nil
}
