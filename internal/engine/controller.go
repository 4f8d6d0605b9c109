package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"requiem/internal/runtime"
	"requiem/internal/store"
)

const (
	// defaultTimeout bounds scripts that declare no timeout of their own.
	defaultTimeout = 5 * time.Minute

	// defaultMemoryMB applies when the script declares no memory limit.
	defaultMemoryMB = 512

	// buildCPUFactor gives the build phase more headroom than the run phase;
	// compilers are bursty and the build is short-lived.
	buildCPUFactor = 4

	// Hard ceilings every sandbox container gets regardless of script config.
	pidsLimit     = 256
	openFileLimit = 2048

	// sandboxUser matches the unprivileged uid baked into the runner images.
	sandboxUser = "1000"

	workspaceMount = "/workspace"
	outputMount    = "/output"
	evidenceMount  = "/evidence"
)

// ControllerConfig tunes the execution controller.
type ControllerConfig struct {
	// LakeRoot is the evidence-lake directory run workspaces live under.
	LakeRoot string

	// PollInterval is the tick of the container poll loop. Cancellation and
	// completion are observed within one interval.
	PollInterval time.Duration
}

// Controller drives one run end to end: workspace, image, optional build
// phase, run phase, output capture. Each phase transition is written to the
// ledger before the corresponding container action starts, so the ledger
// never claims less than what actually happened.
type Controller struct {
	runtime   runtime.ContainerRuntime
	ledger    store.RunLedger
	images    *ImageProvisioner
	workspace *WorkspacePreparer
	output    *OutputCollector
	cfg       ControllerConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewController creates an execution controller.
func NewController(rt runtime.ContainerRuntime, ledger store.RunLedger, images *ImageProvisioner,
	workspace *WorkspacePreparer, output *OutputCollector, cfg ControllerConfig, logger *slog.Logger) *Controller {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &Controller{
		runtime:   rt,
		ledger:    ledger,
		images:    images,
		workspace: workspace,
		output:    output,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("requiem/engine"),
	}
}

// pollOutcome is what the container poll loop observed.
type pollOutcome int

const (
	outcomeExited pollOutcome = iota
	outcomeCancelled
	outcomeTimedOut
)

// Execute runs one script against one evidence item. It always leaves the run
// in a terminal status on the ledger and the combined output artifact on
// disk; the returned error is for the worker's logging only.
func (c *Controller) Execute(ctx context.Context, run *store.Run, script *store.Script, evidence *store.Evidence) error {
	ctx, span := c.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("script.id", script.ID.String()),
		attribute.String("script.language", string(script.Language)),
		attribute.String("evidence.uid", evidence.UID),
	))
	defer span.End()

	logger := c.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("script", script.Name),
		slog.String("evidence_uid", evidence.UID),
	)

	paths := LakeRunPaths(c.cfg.LakeRoot, evidence.CaseID, evidence.UID, script, run.ID)

	spec, err := runtime.Lookup(script.Language)
	if err != nil {
		// Configuration error: rejected before any container exists.
		return c.fail(ctx, run.ID, paths.Output, err.Error(), logger)
	}
	if !spec.BuildRequired && script.BuildCommand != "" {
		return c.fail(ctx, run.ID, paths.Output,
			fmt.Sprintf("language %s is interpreted and does not accept a build command", script.Language), logger)
	}

	if err := c.ledger.SetProgress(ctx, run.ID, "preparing workspace"); err != nil {
		logger.Warn("failed to update progress", slog.String("error", err.Error()))
	}
	if err := c.workspace.Prepare(script, spec, paths.Workspace); err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("workspace preparation failed: %v", err), logger)
	}
	if err := c.workspace.PrepareOutput(paths.Output); err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("output directory preparation failed: %v", err), logger)
	}

	imageRef, err := c.images.Ensure(ctx, spec, script.Version)
	if err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("runner image unavailable: %v", err), logger)
	}

	timeout := defaultTimeout
	if script.TimeoutSeconds > 0 {
		timeout = time.Duration(script.TimeoutSeconds) * time.Second
	}

	// Only compiled variants get a build phase; interpreted build commands
	// were rejected above.
	if spec.BuildRequired {
		buildCommand := script.BuildCommand
		if buildCommand == "" {
			buildCommand = spec.BuildCommand
		}
		done, err := c.buildPhase(ctx, run, script, evidence, imageRef, buildCommand, paths, timeout, logger)
		if err != nil || done {
			return err
		}
	}

	return c.runPhase(ctx, run, script, evidence, spec, imageRef, paths, timeout, logger)
}

// buildPhase compiles the script inside a build container. The returned
// 'done' is true when the run reached a terminal status here and the run
// phase must not start.
func (c *Controller) buildPhase(ctx context.Context, run *store.Run, script *store.Script, evidence *store.Evidence,
	imageRef, buildCommand string, paths RunPaths, timeout time.Duration, logger *slog.Logger) (done bool, err error) {

	ctx, span := c.tracer.Start(ctx, "engine.build")
	defer span.End()

	if err := c.ledger.MarkBuilding(ctx, run.ID, "compiling script"); err != nil {
		return true, c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("ledger transition to building failed: %v", err), logger)
	}

	containerID, err := c.runtime.CreateContainer(ctx, runtime.ContainerSpec{
		Name:       fmt.Sprintf("requiem-build-%s", run.ID),
		Image:      imageRef,
		Command:    []string{"sh", "-c", buildCommand},
		Env:        c.buildEnv(evidence),
		WorkingDir: workspaceMount,
		User:       sandboxUser,
		Mounts: []runtime.Mount{
			{Source: paths.Workspace, Target: workspaceMount},
		},
		MemoryBytes:  memoryBytes(script),
		NanoCPUs:     nanoCPUs(script) * buildCPUFactor,
		PidsLimit:    pidsLimit,
		OpenFiles:    openFileLimit,
		ScratchTmpfs: true,
	})
	if err != nil {
		return true, c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("failed to create build container: %v", err), logger)
	}
	defer c.removeContainer(ctx, containerID, logger)

	deadline := time.Now().Add(timeout)

	if err := c.ledger.SetContainer(ctx, run.ID, containerID); err != nil {
		logger.Warn("failed to record build container", slog.String("error", err.Error()))
	}
	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		return true, c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("failed to start build container: %v", err), logger)
	}

	logger.Info("build phase started", slog.String("container_id", containerID))

	outcome, exitCode, err := c.waitForContainer(ctx, run.ID, containerID, deadline, logger)
	if err != nil {
		return true, c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("build phase failed: %v", err), logger)
	}

	stdout, stderr, logErr := c.runtime.ContainerLogs(ctx, containerID)
	if logErr != nil {
		logger.Warn("failed to read build logs", slog.String("error", logErr.Error()))
	}

	switch outcome {
	case outcomeCancelled:
		c.stopContainer(ctx, containerID, logger)
		return true, c.finishWithArtifact(ctx, run.ID, store.RunStatusCancelled, paths.Output, stdout, stderr, exitCode, "", logger)
	case outcomeTimedOut:
		c.stopContainer(ctx, containerID, logger)
		return true, c.finishWithArtifact(ctx, run.ID, store.RunStatusTimedOut, paths.Output, stdout, stderr, exitCode,
			fmt.Sprintf("build exceeded timeout of %s", timeout), logger)
	}

	if exitCode != 0 {
		return true, c.finishWithArtifact(ctx, run.ID, store.RunStatusBuildFailed, paths.Output, stdout, stderr, exitCode,
			fmt.Sprintf("build failed with exit code %d: %s", exitCode, tail(stderr, 2000)), logger)
	}

	logger.Info("build phase complete")
	return false, nil
}

// runPhase executes the script in the run container and writes the terminal
// status.
func (c *Controller) runPhase(ctx context.Context, run *store.Run, script *store.Script, evidence *store.Evidence,
	spec runtime.Spec, imageRef string, paths RunPaths, timeout time.Duration, logger *slog.Logger) error {

	ctx, span := c.tracer.Start(ctx, "engine.run")
	defer span.End()

	if err := c.ledger.MarkRunning(ctx, run.ID, "executing script"); err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("ledger transition to running failed: %v", err), logger)
	}

	runCommand := script.EntryPoint
	if runCommand == "" {
		runCommand = spec.RunCommand
	}

	mounts := []runtime.Mount{
		{Source: paths.Workspace, Target: workspaceMount},
		{Source: paths.Output, Target: outputMount},
	}
	if evidence.LocalPath != "" {
		mounts = append(mounts, runtime.Mount{Source: evidence.LocalPath, Target: evidenceMount, ReadOnly: true})
	}

	containerID, err := c.runtime.CreateContainer(ctx, runtime.ContainerSpec{
		Name:           fmt.Sprintf("requiem-run-%s", run.ID),
		Image:          imageRef,
		Command:        []string{"sh", "-c", runCommand},
		Env:            c.scriptEnv(evidence),
		WorkingDir:     workspaceMount,
		User:           sandboxUser,
		Mounts:         mounts,
		MemoryBytes:    memoryBytes(script),
		NanoCPUs:       nanoCPUs(script),
		PidsLimit:      pidsLimit,
		OpenFiles:      openFileLimit,
		ReadonlyRootfs: true,
		ScratchTmpfs:   true,
	})
	if err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("failed to create run container: %v", err), logger)
	}
	defer c.removeContainer(ctx, containerID, logger)

	// The timeout budget is counted from container creation, so a slow start
	// eats into the script's own time rather than extending it.
	deadline := time.Now().Add(timeout)

	if err := c.ledger.SetContainer(ctx, run.ID, containerID); err != nil {
		logger.Warn("failed to record run container", slog.String("error", err.Error()))
	}
	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("failed to start run container: %v", err), logger)
	}

	logger.Info("run phase started", slog.String("container_id", containerID))

	outcome, exitCode, err := c.waitForContainer(ctx, run.ID, containerID, deadline, logger)
	if err != nil {
		return c.fail(ctx, run.ID, paths.Output, fmt.Sprintf("run phase failed: %v", err), logger)
	}

	stdout, stderr, logErr := c.runtime.ContainerLogs(ctx, containerID)
	if logErr != nil {
		logger.Warn("failed to read run logs", slog.String("error", logErr.Error()))
	}

	switch outcome {
	case outcomeCancelled:
		c.stopContainer(ctx, containerID, logger)
		return c.finishWithArtifact(ctx, run.ID, store.RunStatusCancelled, paths.Output, stdout, stderr, exitCode, "", logger)
	case outcomeTimedOut:
		c.stopContainer(ctx, containerID, logger)
		return c.finishWithArtifact(ctx, run.ID, store.RunStatusTimedOut, paths.Output, stdout, stderr, exitCode,
			fmt.Sprintf("script exceeded timeout of %s", timeout), logger)
	}

	if exitCode != 0 {
		return c.finishWithArtifact(ctx, run.ID, store.RunStatusFailed, paths.Output, stdout, stderr, exitCode,
			fmt.Sprintf("script failed with exit code %d: %s", exitCode, tail(stderr, 2000)), logger)
	}

	if err := c.ledger.SetProgress(ctx, run.ID, "script execution complete"); err != nil {
		logger.Warn("failed to update progress", slog.String("error", err.Error()))
	}

	return c.finishWithArtifact(ctx, run.ID, store.RunStatusSucceeded, paths.Output, stdout, stderr, exitCode, "", logger)
}

// waitForContainer polls until the container exits, the deadline passes, or
// an operator requests cancellation. Each tick checks the cancel marker
// first: a cancel racing a natural exit resolves to cancelled.
func (c *Controller) waitForContainer(ctx context.Context, runID uuid.UUID, containerID string,
	deadline time.Time, logger *slog.Logger) (pollOutcome, int, error) {

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcomeExited, 0, ctx.Err()
		case <-ticker.C:
		}

		cancelled, err := c.ledger.CancelRequested(ctx, runID)
		if err != nil {
			// Transient ledger errors must not kill a healthy run.
			logger.Warn("failed to read cancel marker", slog.String("error", err.Error()))
		} else if cancelled {
			return outcomeCancelled, 0, nil
		}

		state, err := c.runtime.InspectContainer(ctx, containerID)
		if err != nil {
			return outcomeExited, 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
		}
		if !state.Running {
			return outcomeExited, state.ExitCode, nil
		}

		if time.Now().After(deadline) {
			return outcomeTimedOut, 0, nil
		}
	}
}

// fail records a terminal failure on the ledger and still writes the output
// artifact so every terminal run leaves something on disk.
func (c *Controller) fail(ctx context.Context, runID uuid.UUID, outputDir, msg string, logger *slog.Logger) error {
	return c.finishWithArtifact(ctx, runID, store.RunStatusFailed, outputDir, "", msg, -1, msg, logger)
}

// finishWithArtifact writes output.txt, records the terminal status, and
// hands structured outputs to the indexer.
func (c *Controller) finishWithArtifact(ctx context.Context, runID uuid.UUID, status store.RunStatus,
	outputDir, stdout, stderr string, exitCode int, errMsg string, logger *slog.Logger) error {

	artifactPath, artErr := c.output.WriteArtifact(outputDir, stdout, stderr, exitCode)
	if artErr != nil {
		logger.Error("failed to write output artifact", slog.String("error", artErr.Error()))
	}

	if err := c.ledger.FinishRun(ctx, runID, status, artifactPath, errMsg); err != nil {
		logger.Error("failed to record terminal status",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to finish run %s as %s: %w", runID, status, err)
	}

	logger.Info("run finished", slog.String("status", string(status)))

	c.output.Handoff(ctx, runID, outputDir)

	if status == store.RunStatusFailed && errMsg != "" {
		return fmt.Errorf("run %s failed: %s", runID, errMsg)
	}
	return nil
}

// scriptEnv is the environment contract scripts see. Paths are in-container
// only; host locations never leak into the sandbox.
func (c *Controller) scriptEnv(evidence *store.Evidence) map[string]string {
	return map[string]string{
		"CASE_ID":       evidence.CaseID,
		"EVIDENCE_UID":  evidence.UID,
		"EVIDENCE_PATH": evidenceMount,
		"OUTPUT_DIR":    outputMount,
	}
}

// buildEnv carries identity only. Neither the evidence nor the output dir is
// mounted during the build phase, so their paths stay out of it.
func (c *Controller) buildEnv(evidence *store.Evidence) map[string]string {
	return map[string]string{
		"CASE_ID":      evidence.CaseID,
		"EVIDENCE_UID": evidence.UID,
	}
}

// stopContainer stops with a grace period, best effort.
func (c *Controller) stopContainer(ctx context.Context, containerID string, logger *slog.Logger) {
	if err := c.runtime.StopContainer(context.WithoutCancel(ctx), containerID); err != nil {
		logger.Warn("failed to stop container",
			slog.String("container_id", containerID),
			slog.String("error", err.Error()),
		)
	}
}

// removeContainer force-removes on every exit path, even when the calling
// context is already cancelled.
func (c *Controller) removeContainer(ctx context.Context, containerID string, logger *slog.Logger) {
	if err := c.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); err != nil {
		logger.Warn("failed to remove container",
			slog.String("container_id", containerID),
			slog.String("error", err.Error()),
		)
	}
}

func memoryBytes(script *store.Script) int64 {
	mb := script.MemoryLimitMB
	if mb <= 0 {
		mb = defaultMemoryMB
	}
	return mb * 1024 * 1024
}

func nanoCPUs(script *store.Script) int64 {
	cpus := script.CPULimit
	if cpus <= 0 {
		cpus = 1
	}
	return int64(cpus * 1e9)
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
