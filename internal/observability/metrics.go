package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics wires the global meter provider to a Prometheus exporter and
// returns the /metrics scrape handler plus a shutdown function for app exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMetrics are the worker's run-level instruments: how many runs it claims
// off the queue, how they end, and how long they take.
type RunMetrics struct {
	claimed  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunMetrics registers the run instruments on the global meter provider.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("requiem/worker")

	claimed, err := meter.Int64Counter("requiem_runs_claimed_total",
		metric.WithDescription("Run requests claimed from the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create claimed counter: %w", err)
	}

	finished, err := meter.Int64Counter("requiem_runs_finished_total",
		metric.WithDescription("Runs driven to a terminal status, keyed by status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}

	duration, err := meter.Float64Histogram("requiem_run_duration_seconds",
		metric.WithDescription("Wall-clock time from claim to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &RunMetrics{claimed: claimed, finished: finished, duration: duration}, nil
}

// RunClaimed counts one run pulled off the queue. Safe on a nil receiver so
// callers without metrics need no guard.
func (m *RunMetrics) RunClaimed(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimed.Add(ctx, 1)
}

// RunFinished records the terminal status and duration of one run.
func (m *RunMetrics) RunFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
