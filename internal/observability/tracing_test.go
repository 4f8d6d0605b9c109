package observability

import (
	"context"
	"testing"
	"time"
)

func TestInitTracer_InvalidEndpoint(t *testing.T) {
	// Unreachable endpoint still succeeds because the gRPC connection is
	// established lazily.
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "test-service", "invalid-endpoint:9999")
	if err != nil {
		// Some environments may fail immediately, that's also acceptable
		t.Logf("InitTracer failed as expected in this environment: %v", err)
		return
	}

	if shutdown == nil {
		t.Error("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func TestInitTracer_ValidServiceName(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "requiem-test", "localhost:4317")
	if err != nil {
		t.Logf("InitTracer returned error (may be expected in test environment): %v", err)
		return
	}

	if shutdown == nil {
		t.Error("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}
