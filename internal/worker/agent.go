// Package worker contains the pull-loop agent that claims runs from the
// queue and drives them through the execution engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"requiem/internal/engine"
	"requiem/internal/observability"
	"requiem/internal/store"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int
	PollInterval        time.Duration
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
}

// Agent runs the pull-loop: it dequeues run requests, resolves the script and
// evidence metadata, and hands each run to the execution controller. One
// goroutine owns a run end to end.
type Agent struct {
	queue      store.Queue
	scripts    store.ScriptStore
	evidence   store.EvidenceStore
	ledger     store.RunLedger
	controller *engine.Controller
	metrics    *observability.RunMetrics
	config     AgentConfig
	logger     *slog.Logger
	done       chan struct{}
}

// New creates a new worker agent. metrics may be nil.
func New(q store.Queue, scripts store.ScriptStore, evidence store.EvidenceStore, ledger store.RunLedger,
	controller *engine.Controller, metrics *observability.RunMetrics, config AgentConfig, logger *slog.Logger) *Agent {

	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}
	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	return &Agent{
		queue:      q,
		scripts:    scripts,
		evidence:   evidence,
		ledger:     ledger,
		controller: controller,
		metrics:    metrics,
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight runs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		slog.String("agent_id", a.config.ID),
		slog.Int("concurrency", a.config.Concurrency),
	)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for in-flight runs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.DequeueBatch(ctx, availableSlots)
			if err != nil {
				a.logger.Error("batch dequeue failed", slog.String("error", err.Error()))
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			a.logger.Info("claimed runs", slog.Int("count", len(items)))

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(runID uuid.UUID, payload json.RawMessage) {
					defer wg.Done()
					defer func() {
						<-sem
						// A slot is free again, poll immediately
						triggerPoll()
					}()
					a.processItem(ctx, runID, payload)
				}(item.RunID, item.Payload)
			}

			// Still slots left after this batch, poll again immediately
			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem drives a single dequeued run to a terminal status and acks it.
func (a *Agent) processItem(ctx context.Context, runID uuid.UUID, payload json.RawMessage) {
	a.metrics.RunClaimed(ctx)
	claimedAt := time.Now()

	var req store.RunRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.failAndAck(runID, fmt.Sprintf("invalid run payload: %v", err))
		return
	}
	if req.RunID == uuid.Nil {
		req.RunID = runID
	}

	tracer := otel.Tracer("requiem/worker")
	spanCtx, span := tracer.Start(ctx, "process_run",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID.String()),
			attribute.String("script.id", req.ScriptID.String()),
			attribute.String("evidence.uid", req.EvidenceUID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	a.logger.Info("processing run", slog.String("run_id", req.RunID.String()))

	run, err := a.ledger.GetRunByID(spanCtx, req.RunID)
	if err != nil {
		a.failAndAck(req.RunID, fmt.Sprintf("run record unavailable: %v", err))
		return
	}
	if run.Status.Terminal() {
		// Duplicate claim after a lost ack; the ledger outcome already stands.
		a.ack(req.RunID)
		return
	}

	script, err := a.scripts.GetScriptByID(spanCtx, req.ScriptID)
	if err != nil {
		a.failAndAck(req.RunID, fmt.Sprintf("script %s unavailable: %v", req.ScriptID, err))
		return
	}
	evidence, err := a.evidence.GetEvidenceByUID(spanCtx, req.EvidenceUID)
	if err != nil {
		a.failAndAck(req.RunID, fmt.Sprintf("evidence %s unavailable: %v", req.EvidenceUID, err))
		return
	}

	// Heartbeat keeps the queue entry invisible while the run executes.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, req.RunID)

	// The run context is detached from the poll context so a SIGTERM drains
	// gracefully instead of killing in-flight runs.
	execCtx := context.WithoutCancel(spanCtx)

	if err := a.controller.Execute(execCtx, run, script, evidence); err != nil {
		span.RecordError(err)
		a.logger.Warn("run ended with error",
			slog.String("run_id", req.RunID.String()),
			slog.String("error", err.Error()),
		)
	}

	if final, err := a.ledger.GetRunByID(execCtx, req.RunID); err == nil {
		a.metrics.RunFinished(execCtx, string(final.Status), time.Since(claimedAt))
	}

	a.ack(req.RunID)
}

// failAndAck records a terminal failure for runs that never reached the
// engine, then removes the queue entry.
func (a *Agent) failAndAck(runID uuid.UUID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Error("run failed before execution",
		slog.String("run_id", runID.String()),
		slog.String("error", msg),
	)

	if err := a.ledger.FinishRun(ctx, runID, store.RunStatusFailed, "", msg); err != nil {
		a.logger.Error("failed to record failure",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
	a.ack(runID)
}

func (a *Agent) ack(runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.queue.Ack(ctx, runID); err != nil {
		a.logger.Error("failed to ack run",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// runHeartbeat refreshes the visibility timeout periodically while a run is
// executing. This prevents long runs from being picked up by another worker.
func (a *Agent) runHeartbeat(ctx context.Context, runID uuid.UUID) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.queue.SetVisibleAfter(context.Background(), runID, visibleAfter); err != nil {
				a.logger.Warn("heartbeat failed",
					slog.String("run_id", runID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
