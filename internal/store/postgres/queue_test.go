package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestEnqueue_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	payload := json.RawMessage(`{"run_id": "x"}`)
	expectedQueueID := int64(42)
	visibleAfter := time.Now()

	mock.ExpectQuery(`INSERT INTO run_queue`).
		WithArgs(runID, payload, visibleAfter).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(expectedQueueID))

	id, err := s.Enqueue(ctx, nil, runID, payload, visibleAfter)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != expectedQueueID {
		t.Errorf("got id %d, want %d", id, expectedQueueID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_Error(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`INSERT INTO run_queue`).
		WillReturnError(sql.ErrConnDone)

	if _, err := s.Enqueue(context.Background(), nil, uuid.New(), json.RawMessage(`{}`), time.Now()); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestDequeueBatch_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	run1 := uuid.New()
	run2 := uuid.New()
	payload1 := json.RawMessage(`{"run": "one"}`)
	payload2 := json.RawMessage(`{"run": "two"}`)

	mock.ExpectBegin()

	// SELECT ... FOR UPDATE SKIP LOCKED LIMIT 3
	mock.ExpectQuery(`SELECT id, run_id, payload`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}).
			AddRow(int64(1), run1, payload1).
			AddRow(int64(2), run2, payload2))

	// Bulk visibility update for all claimed rows
	mock.ExpectExec(`UPDATE run_queue`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	mock.ExpectCommit()

	items, err := s.DequeueBatch(context.Background(), 3)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].RunID != run1 || items[1].RunID != run2 {
		t.Errorf("unexpected run ids: %v, %v", items[0].RunID, items[1].RunID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDequeueBatch_EmptyQueue(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, payload`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}))
	mock.ExpectRollback()

	items, err := s.DequeueBatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if items != nil {
		t.Errorf("expected nil items for empty queue, got %v", items)
	}
}

func TestDequeueBatch_NormalizesLimit(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, payload`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}))
	mock.ExpectRollback()

	if _, err := s.DequeueBatch(context.Background(), 0); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAck_DeletesByRunID(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()

	mock.ExpectExec(`DELETE FROM run_queue`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Ack(context.Background(), runID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestSetVisibleAfter(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	visibleAfter := time.Now().Add(5 * time.Minute)

	mock.ExpectExec(`UPDATE run_queue`).
		WithArgs(visibleAfter, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetVisibleAfter(context.Background(), runID, visibleAfter); err != nil {
		t.Fatalf("SetVisibleAfter failed: %v", err)
	}
}

func TestCount(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}
