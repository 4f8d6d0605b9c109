package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"requiem/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// VisibilityTimeout is how long a dequeued run stays invisible to other
// workers before the heartbeat must extend it.
const VisibilityTimeout = 5 * time.Minute

// Enqueue adds a run request to the run_queue.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO run_queue (run_id, payload, visible_after)
		VALUES ($1, $2, $3)
		RETURNING id
	`, runID, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available runs atomically using
// SELECT ... FOR UPDATE SKIP LOCKED. Returns nil slice if none are available.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, run_id, payload
		FROM run_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var queueIDs []int64

	for rows.Next() {
		var queueID int64
		var item store.QueueItem
		if err := rows.Scan(&queueID, &item.RunID, &item.Payload); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		items = append(items, item)
		queueIDs = append(queueIDs, queueID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	// Bulk update visibility timeout for all claimed runs
	_, err = tx.ExecContext(ctx, `
		UPDATE run_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Ack removes a run from the queue. The outcome is already on the ledger by
// the time a worker acks, so a lost ack only risks a duplicate claim that the
// terminal-status guard on the ledger renders harmless.
func (s *Store) Ack(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_queue WHERE run_id = $1", runID)
	return err
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, runID uuid.UUID, visibleAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_queue
		SET visible_after = $1
		WHERE run_id = $2
	`, visibleAfter, runID)
	return err
}

// Count returns the number of queued runs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_queue").Scan(&count)
	return count, err
}
