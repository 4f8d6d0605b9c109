package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for the run dispatch queue.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics so
// that concurrent workers never claim the same run.
type Queue interface {
	// Enqueue adds a new run request to the queue.
	Enqueue(ctx context.Context, tx DBTransaction, runID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' available run requests atomically.
	// Returns nil slice if the queue is empty.
	DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error)

	// Ack removes a run from the queue once it reached a terminal status.
	// The run's outcome lives on the ledger, not here.
	Ack(ctx context.Context, runID uuid.UUID) error

	// SetVisibleAfter extends the visibility timeout (heartbeat) so another
	// worker does not claim a long run mid-flight.
	SetVisibleAfter(ctx context.Context, runID uuid.UUID, visibleAfter time.Time) error

	// Count tracks the number of items in the queue.
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a dequeued run request.
type QueueItem struct {
	RunID   uuid.UUID
	Payload json.RawMessage
}
