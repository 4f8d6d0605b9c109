package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"requiem/internal/runtime"
	"requiem/internal/store"
)

// memLedger implements store.RunLedger in memory for controller tests.
type memLedger struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*store.Run

	statusHistory []store.RunStatus
}

func newMemLedger() *memLedger {
	return &memLedger{runs: map[uuid.UUID]*store.Run{}}
}

func (l *memLedger) add(run *store.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.runs[run.ID] = &cp
}

func (l *memLedger) get(id uuid.UUID) store.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.runs[id]
}

func (l *memLedger) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	l.add(run)
	return nil
}

func (l *memLedger) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (l *memLedger) setStatus(id uuid.UUID, status store.RunStatus, progress string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already terminal", id)
	}
	run.Status = status
	run.ProgressMessage = progress
	if run.StartedAt == nil {
		now := time.Now()
		run.StartedAt = &now
	}
	l.statusHistory = append(l.statusHistory, status)
	return nil
}

func (l *memLedger) MarkBuilding(ctx context.Context, id uuid.UUID, progress string) error {
	return l.setStatus(id, store.RunStatusBuilding, progress)
}

func (l *memLedger) MarkRunning(ctx context.Context, id uuid.UUID, progress string) error {
	return l.setStatus(id, store.RunStatusRunning, progress)
}

func (l *memLedger) SetProgress(ctx context.Context, id uuid.UUID, progress string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok && !run.Status.Terminal() {
		run.ProgressMessage = progress
	}
	return nil
}

func (l *memLedger) SetContainer(ctx context.Context, id uuid.UUID, containerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok {
		run.ContainerID = containerID
	}
	return nil
}

func (l *memLedger) FinishRun(ctx context.Context, id uuid.UUID, status store.RunStatus, outputPath, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	run.OutputPath = outputPath
	run.ErrorMessage = errMsg
	now := time.Now()
	run.EndedAt = &now
	l.statusHistory = append(l.statusHistory, status)
	return nil
}

func (l *memLedger) RequestCancel(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok && !run.Status.Terminal() {
		run.CancelRequested = true
	}
	return nil
}

func (l *memLedger) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}
	return run.CancelRequested, nil
}

func (l *memLedger) ListRunsForEvidence(ctx context.Context, evidenceUID string) ([]store.Run, error) {
	return nil, nil
}

// mockRuntime implements runtime.ContainerRuntime for controller tests.
type mockRuntime struct {
	mu sync.Mutex

	imageExists bool
	buildCalls  int

	created []runtime.ContainerSpec
	started []string
	stopped []string
	removed []string

	// CreateFunc, when set, observes each container spec at creation time.
	CreateFunc func(spec runtime.ContainerSpec) error
	// InspectFunc decides when a container "exits"; keyed by container name.
	InspectFunc func(id string) (runtime.ContainerState, error)
	// LogsFunc supplies the captured output per container.
	LogsFunc func(id string) (string, string, error)
}

func (m *mockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	return m.imageExists, nil
}

func (m *mockRuntime) BuildImage(ctx context.Context, ref, dockerfile string, buildArgs map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildCalls++
	return "", nil
}

func (m *mockRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateFunc != nil {
		if err := m.CreateFunc(spec); err != nil {
			return "", err
		}
	}
	m.created = append(m.created, spec)
	return spec.Name, nil
}

func (m *mockRuntime) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, id)
	return nil
}

func (m *mockRuntime) InspectContainer(ctx context.Context, id string) (runtime.ContainerState, error) {
	if m.InspectFunc != nil {
		return m.InspectFunc(id)
	}
	return runtime.ContainerState{Running: false, ExitCode: 0}, nil
}

func (m *mockRuntime) ContainerLogs(ctx context.Context, id string) (string, string, error) {
	if m.LogsFunc != nil {
		return m.LogsFunc(id)
	}
	return "", "", nil
}

func (m *mockRuntime) StopContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockRuntime) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockRuntime) createdSpecs() []runtime.ContainerSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runtime.ContainerSpec(nil), m.created...)
}

func (m *mockRuntime) removedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, rt *mockRuntime, ledger *memLedger) (*Controller, string) {
	t.Helper()
	lakeRoot := t.TempDir()
	log := testLogger()

	return NewController(
		rt,
		ledger,
		NewImageProvisioner(rt, log),
		NewWorkspacePreparer(log),
		NewOutputCollector(nil, 0, log),
		ControllerConfig{LakeRoot: lakeRoot, PollInterval: 5 * time.Millisecond},
		log,
	), lakeRoot
}

func newTestRun(ledger *memLedger, language store.Language) (*store.Run, *store.Script, *store.Evidence) {
	script := &store.Script{
		ID:             uuid.New(),
		Name:           "extract-strings",
		Language:       language,
		Version:        "3.11",
		SourceCode:     "print('ok')",
		TimeoutSeconds: 30,
	}
	evidence := &store.Evidence{
		UID:       "ev-001",
		CaseID:    "case-42",
		LocalPath: "/data/evidence/disk.img",
	}
	run := &store.Run{
		ID:          uuid.New(),
		ScriptID:    script.ID,
		EvidenceUID: evidence.UID,
		Status:      store.RunStatusQueued,
	}
	ledger.add(run)
	return run, script, evidence
}

func TestExecute_InterpretedSuccess(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		LogsFunc: func(id string) (string, string, error) {
			return "found 3 artifacts\n", "", nil
		},
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusSucceeded {
		t.Errorf("got status %s, want %s", final.Status, store.RunStatusSucceeded)
	}
	if final.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}

	// Interpreted scripts never enter the build phase.
	for _, s := range ledger.statusHistory {
		if s == store.RunStatusBuilding {
			t.Error("interpreted run entered building status")
		}
	}
	if rt.buildCalls != 0 {
		t.Errorf("expected no image builds, got %d", rt.buildCalls)
	}

	specs := rt.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected 1 container, got %d", len(specs))
	}
	if got := specs[0].Command; len(got) != 3 || got[0] != "sh" || got[1] != "-c" || got[2] != "python3 script.py" {
		t.Errorf("unexpected run command: %v", got)
	}
	if len(rt.removedIDs()) != 1 {
		t.Errorf("expected container removed, got %v", rt.removedIDs())
	}

	content, err := os.ReadFile(final.OutputPath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !strings.Contains(string(content), "found 3 artifacts") {
		t.Errorf("artifact missing stdout: %q", content)
	}
	if !strings.Contains(string(content), "EXIT CODE: 0") {
		t.Errorf("artifact missing exit code trailer: %q", content)
	}
}

func TestExecute_CompiledRunsBuildPhaseFirst(t *testing.T) {
	rt := &mockRuntime{imageExists: true}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguageGo)
	script.Version = "1.21"
	script.SourceCode = "package main\nfunc main() {}"

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusSucceeded {
		t.Fatalf("got status %s, want succeeded", final.Status)
	}

	// building must precede running on the ledger.
	var sawBuilding, sawRunning bool
	for _, s := range ledger.statusHistory {
		if s == store.RunStatusBuilding {
			sawBuilding = true
			if sawRunning {
				t.Error("building recorded after running")
			}
		}
		if s == store.RunStatusRunning {
			sawRunning = true
			if !sawBuilding {
				t.Error("running recorded before building")
			}
		}
	}
	if !sawBuilding || !sawRunning {
		t.Errorf("expected building then running, got %v", ledger.statusHistory)
	}

	specs := rt.createdSpecs()
	if len(specs) != 2 {
		t.Fatalf("expected build and run containers, got %d", len(specs))
	}

	build, runSpec := specs[0], specs[1]
	if build.Command[2] != "go build -o script ." {
		t.Errorf("unexpected build command: %v", build.Command)
	}
	if runSpec.Command[2] != "./script" {
		t.Errorf("unexpected run command: %v", runSpec.Command)
	}

	// The build phase gets extra CPU headroom over the run phase.
	if build.NanoCPUs != runSpec.NanoCPUs*buildCPUFactor {
		t.Errorf("build NanoCPUs = %d, want %d", build.NanoCPUs, runSpec.NanoCPUs*buildCPUFactor)
	}

	// The build container mounts neither evidence nor output, so its env
	// carries identity only.
	if _, ok := build.Env["OUTPUT_DIR"]; ok {
		t.Error("build env exposes OUTPUT_DIR with nothing mounted there")
	}
	if _, ok := build.Env["EVIDENCE_PATH"]; ok {
		t.Error("build env exposes EVIDENCE_PATH with nothing mounted there")
	}
	if build.Env["CASE_ID"] != evidence.CaseID || build.Env["EVIDENCE_UID"] != evidence.UID {
		t.Errorf("build env missing identity: %v", build.Env)
	}
	if len(build.Mounts) != 1 || build.Mounts[0].Target != workspaceMount {
		t.Errorf("build phase should mount only the workspace, got %v", build.Mounts)
	}
	if build.ReadonlyRootfs {
		t.Error("build phase should not lock the rootfs")
	}
	if !runSpec.ReadonlyRootfs {
		t.Error("run phase must lock the rootfs")
	}

	if len(rt.removedIDs()) != 2 {
		t.Errorf("expected both containers removed, got %v", rt.removedIDs())
	}
}

func TestExecute_BuildFailureSkipsRunPhase(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		InspectFunc: func(id string) (runtime.ContainerState, error) {
			return runtime.ContainerState{Running: false, ExitCode: 2}, nil
		},
		LogsFunc: func(id string) (string, string, error) {
			return "", "main.go:3: syntax error", nil
		},
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguageGo)
	script.Version = "1.21"

	controller.Execute(context.Background(), run, script, evidence)

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusBuildFailed {
		t.Fatalf("got status %s, want build_failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "syntax error") {
		t.Errorf("error message missing compiler output: %q", final.ErrorMessage)
	}

	// No run container is ever created after a failed build.
	if specs := rt.createdSpecs(); len(specs) != 1 {
		t.Errorf("expected only the build container, got %d", len(specs))
	}
	if len(rt.removedIDs()) != 1 {
		t.Errorf("expected build container removed, got %v", rt.removedIDs())
	}

	if _, err := os.Stat(final.OutputPath); err != nil {
		t.Errorf("expected artifact for build_failed run: %v", err)
	}
}

func TestExecute_InterpretedBuildCommandRejected(t *testing.T) {
	rt := &mockRuntime{imageExists: true}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)
	script.BuildCommand = "pip install -r requirements.txt"

	controller.Execute(context.Background(), run, script, evidence)

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusFailed {
		t.Fatalf("got status %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "does not accept a build command") {
		t.Errorf("unexpected error message: %q", final.ErrorMessage)
	}

	// An interpreted run never enters building, declared build command or not.
	for _, s := range ledger.statusHistory {
		if s == store.RunStatusBuilding {
			t.Error("interpreted run entered building status")
		}
	}
	if len(rt.createdSpecs()) != 0 {
		t.Error("configuration error must not create containers")
	}
	if _, err := os.Stat(final.OutputPath); err != nil {
		t.Errorf("expected artifact even for config failure: %v", err)
	}
}

func TestExecute_OutputDirReadyBeforeRunContainer(t *testing.T) {
	var outputSeen bool
	var outputErr error

	rt := &mockRuntime{imageExists: true}
	rt.CreateFunc = func(spec runtime.ContainerSpec) error {
		for _, m := range spec.Mounts {
			if m.Target != outputMount {
				continue
			}
			outputSeen = true
			// The bind source must exist before the daemon sees it, writable
			// by the sandbox uid, or it gets auto-created root-owned.
			info, err := os.Stat(m.Source)
			if err != nil {
				outputErr = err
			} else if info.Mode().Perm() != 0o777 {
				outputErr = fmt.Errorf("output dir mode %v, want 0777", info.Mode().Perm())
			}
		}
		return nil
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !outputSeen {
		t.Fatal("run container never mounted the output directory")
	}
	if outputErr != nil {
		t.Errorf("output dir not ready at container creation: %v", outputErr)
	}
}

func TestExecute_UnsupportedLanguageFailsBeforeContainers(t *testing.T) {
	rt := &mockRuntime{imageExists: true}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.Language("perl"))

	controller.Execute(context.Background(), run, script, evidence)

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusFailed {
		t.Fatalf("got status %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "unsupported language") {
		t.Errorf("unexpected error message: %q", final.ErrorMessage)
	}
	if len(rt.createdSpecs()) != 0 {
		t.Error("configuration error must not create containers")
	}
	if _, err := os.Stat(final.OutputPath); err != nil {
		t.Errorf("expected artifact even for config failure: %v", err)
	}
}

func TestExecute_NonZeroExitFails(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		InspectFunc: func(id string) (runtime.ContainerState, error) {
			return runtime.ContainerState{Running: false, ExitCode: 1}, nil
		},
		LogsFunc: func(id string) (string, string, error) {
			return "partial output", "trace: open /evidence: permission denied", nil
		},
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)

	controller.Execute(context.Background(), run, script, evidence)

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusFailed {
		t.Fatalf("got status %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "exit code 1") {
		t.Errorf("error message missing exit code: %q", final.ErrorMessage)
	}
	if !strings.Contains(final.ErrorMessage, "permission denied") {
		t.Errorf("error message missing stderr tail: %q", final.ErrorMessage)
	}

	content, err := os.ReadFile(final.OutputPath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !strings.Contains(string(content), "--- STDERR ---") {
		t.Errorf("artifact missing stderr section: %q", content)
	}
}

func TestExecute_CancelObservedWithinPollLoop(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		InspectFunc: func(id string) (runtime.ContainerState, error) {
			// Simulates an endless script.
			return runtime.ContainerState{Running: true}, nil
		},
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)
	script.TimeoutSeconds = 60

	done := make(chan struct{})
	go func() {
		controller.Execute(context.Background(), run, script, evidence)
		close(done)
	}()

	// Let the run container start, then request cancellation.
	time.Sleep(20 * time.Millisecond)
	ledger.RequestCancel(context.Background(), run.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not observed in time")
	}

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusCancelled {
		t.Fatalf("got status %s, want cancelled", final.Status)
	}
	if final.ErrorMessage != "" {
		t.Errorf("cancellation is not an error, got %q", final.ErrorMessage)
	}
	if len(rt.stopped) == 0 {
		t.Error("expected container to be stopped")
	}
	if len(rt.removedIDs()) == 0 {
		t.Error("expected container to be removed")
	}
	if _, err := os.Stat(final.OutputPath); err != nil {
		t.Errorf("expected artifact for cancelled run: %v", err)
	}
}

func TestExecute_TimeoutEndsRun(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		InspectFunc: func(id string) (runtime.ContainerState, error) {
			return runtime.ContainerState{Running: true}, nil
		},
	}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)
	script.TimeoutSeconds = 1

	start := time.Now()
	controller.Execute(context.Background(), run, script, evidence)
	elapsed := time.Since(start)

	final := ledger.get(run.ID)
	if final.Status != store.RunStatusTimedOut {
		t.Fatalf("got status %s, want timed_out", final.Status)
	}
	// Bounded overshoot: timeout plus a small number of poll intervals.
	if elapsed > 3*time.Second {
		t.Errorf("timeout overshoot too large: %v", elapsed)
	}
	if len(rt.stopped) == 0 {
		t.Error("expected container to be stopped on timeout")
	}
	if len(rt.removedIDs()) == 0 {
		t.Error("expected container to be removed on timeout")
	}
}

func TestExecute_SandboxConstraints(t *testing.T) {
	rt := &mockRuntime{
		imageExists: true,
		LogsFunc: func(id string) (string, string, error) {
			return "", "", nil
		},
	}
	ledger := newMemLedger()
	controller, lakeRoot := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)
	script.MemoryLimitMB = 256
	script.CPULimit = 0.5

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	specs := rt.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected 1 container, got %d", len(specs))
	}
	spec := specs[0]

	if spec.MemoryBytes != 256*1024*1024 {
		t.Errorf("MemoryBytes = %d, want %d", spec.MemoryBytes, 256*1024*1024)
	}
	if spec.NanoCPUs != int64(0.5*1e9) {
		t.Errorf("NanoCPUs = %d, want %d", spec.NanoCPUs, int64(0.5*1e9))
	}
	if spec.PidsLimit == 0 || spec.OpenFiles == 0 {
		t.Error("expected pids and nofile ceilings to be set")
	}
	if spec.User != sandboxUser {
		t.Errorf("User = %q, want %q", spec.User, sandboxUser)
	}
	if spec.WorkingDir != workspaceMount {
		t.Errorf("WorkingDir = %q, want %q", spec.WorkingDir, workspaceMount)
	}
	if !spec.ScratchTmpfs {
		t.Error("expected scratch tmpfs")
	}

	// Env carries in-container paths only.
	if spec.Env["EVIDENCE_PATH"] != evidenceMount {
		t.Errorf("EVIDENCE_PATH = %q, want %q", spec.Env["EVIDENCE_PATH"], evidenceMount)
	}
	if spec.Env["OUTPUT_DIR"] != outputMount {
		t.Errorf("OUTPUT_DIR = %q, want %q", spec.Env["OUTPUT_DIR"], outputMount)
	}
	if spec.Env["CASE_ID"] != evidence.CaseID || spec.Env["EVIDENCE_UID"] != evidence.UID {
		t.Errorf("unexpected identity env: %v", spec.Env)
	}

	// Evidence is bound read-only; workspace and output live under the lake.
	var sawEvidence bool
	for _, m := range spec.Mounts {
		if m.Target == evidenceMount {
			sawEvidence = true
			if !m.ReadOnly {
				t.Error("evidence mount must be read-only")
			}
			if m.Source != evidence.LocalPath {
				t.Errorf("evidence source = %q, want %q", m.Source, evidence.LocalPath)
			}
		} else if !strings.HasPrefix(m.Source, lakeRoot) {
			t.Errorf("mount %q escapes the lake root", m.Source)
		}
	}
	if !sawEvidence {
		t.Error("expected evidence mount")
	}
}

func TestExecute_BuildsMissingImage(t *testing.T) {
	rt := &mockRuntime{imageExists: false}
	ledger := newMemLedger()
	controller, _ := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if rt.buildCalls != 1 {
		t.Errorf("expected 1 image build, got %d", rt.buildCalls)
	}
	specs := rt.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected 1 container, got %d", len(specs))
	}
	if specs[0].Image != "requiem-runner-python:3.11" {
		t.Errorf("image = %q, want requiem-runner-python:3.11", specs[0].Image)
	}
}

func TestExecute_WorkspaceLaidOutUnderLake(t *testing.T) {
	rt := &mockRuntime{imageExists: true}
	ledger := newMemLedger()
	controller, lakeRoot := newTestController(t, rt, ledger)
	run, script, evidence := newTestRun(ledger, store.LanguagePython)

	if err := controller.Execute(context.Background(), run, script, evidence); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	paths := LakeRunPaths(lakeRoot, evidence.CaseID, evidence.UID, script, run.ID)
	if _, err := os.Stat(filepath.Join(paths.Workspace, "script.py")); err != nil {
		t.Errorf("expected script source in workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.Output, OutputArtifact)); err != nil {
		t.Errorf("expected artifact in output dir: %v", err)
	}

	final := ledger.get(run.ID)
	if final.OutputPath != filepath.Join(paths.Output, OutputArtifact) {
		t.Errorf("ledger output path = %q, want %q", final.OutputPath, filepath.Join(paths.Output, OutputArtifact))
	}
}
