package logger

import (
	"context"
	"testing"
)

func TestWithRunID_And_RunIDFromContext(t *testing.T) {
	ctx := context.Background()
	runID := "3f6f0f6e-run"

	// Initially empty
	if got := RunIDFromContext(ctx); got != "" {
		t.Errorf("RunIDFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithRunID(ctx, runID)
	if got := RunIDFromContext(ctx); got != runID {
		t.Errorf("RunIDFromContext() = %v, want %v", got, runID)
	}
}

func TestFromContext_WithRunID(t *testing.T) {
	base := New()
	ctx := context.Background()

	// Without run ID - should return base logger (not nil)
	logger := FromContext(ctx, base)
	if logger == nil {
		t.Error("FromContext() returned nil")
	}

	// With run ID - should return logger with run_id attached
	ctx = WithRunID(ctx, "run-123")
	loggerWithID := FromContext(ctx, base)
	if loggerWithID == nil {
		t.Error("FromContext() with run ID returned nil")
	}
}

func TestNew_ReturnsLogger(t *testing.T) {
	if New() == nil {
		t.Error("New() returned nil")
	}
}
