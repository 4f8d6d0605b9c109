package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"requiem/internal/runtime"
	"requiem/internal/store"
)

// RunPaths are the host-side directories belonging to one run inside the
// evidence lake.
type RunPaths struct {
	Base      string
	Workspace string
	Output    string
}

// LakeRunPaths computes the lake layout for one run:
// <root>/<case>/<evidence>/scripts/<safe-name>_<scriptID>/<runID>/{workspace,output}.
// Script names are sanitized so an analyst-chosen name cannot steer the path.
func LakeRunPaths(lakeRoot, caseID, evidenceUID string, script *store.Script, runID uuid.UUID) RunPaths {
	scriptDir := fmt.Sprintf("%s_%s", safeName(script.Name), script.ID)
	base := filepath.Join(lakeRoot, caseID, evidenceUID, "scripts", scriptDir, runID.String())
	return RunPaths{
		Base:      base,
		Workspace: filepath.Join(base, "workspace"),
		Output:    filepath.Join(base, "output"),
	}
}

func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "script"
	}
	return b.String()
}

// WorkspacePreparer materializes a script into a run workspace: the primary
// source at the registry path, auxiliary files at their relative paths, and a
// dependency manifest synthesized from the declared requirements.
type WorkspacePreparer struct {
	logger *slog.Logger
}

// NewWorkspacePreparer creates a workspace preparer.
func NewWorkspacePreparer(logger *slog.Logger) *WorkspacePreparer {
	return &WorkspacePreparer{logger: logger}
}

// Prepare writes the script's files into dir. Auxiliary files with absolute
// paths or paths escaping the workspace are skipped, not fatal: one bad
// declared path must not sink the run. Directory modes are permissive so the
// container's unprivileged user can write build artifacts next to the source.
func (w *WorkspacePreparer) Prepare(script *store.Script, spec runtime.Spec, dir string) error {
	if err := openDir(dir); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}

	if err := w.writeFile(dir, spec.SourceFile, script.SourceCode); err != nil {
		return fmt.Errorf("failed to write primary source: %w", err)
	}

	for relPath, content := range script.AdditionalFiles {
		if !withinWorkspace(relPath) {
			w.logger.Warn("skipping additional file outside workspace",
				slog.String("script_id", script.ID.String()),
				slog.String("path", relPath),
			)
			continue
		}
		if err := w.writeFile(dir, relPath, content); err != nil {
			return fmt.Errorf("failed to write additional file %s: %w", relPath, err)
		}
	}

	if err := w.writeManifest(script, dir); err != nil {
		return err
	}

	return nil
}

// PrepareOutput creates the run's output directory before the run container
// binds it. Left to the daemon, a missing bind source appears root-owned and
// the sandbox user cannot write under OUTPUT_DIR.
func (w *WorkspacePreparer) PrepareOutput(dir string) error {
	if err := openDir(dir); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return nil
}

// openDir creates dir and widens its mode past the umask; the sandbox uid
// inside the container differs from the worker's.
func openDir(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	return os.Chmod(dir, 0o777)
}

// withinWorkspace rejects absolute paths and any relative path that resolves
// above the workspace root.
func withinWorkspace(relPath string) bool {
	if relPath == "" || filepath.IsAbs(relPath) {
		return false
	}
	clean := filepath.Clean(relPath)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func (w *WorkspacePreparer) writeFile(dir, relPath, content string) error {
	dest := filepath.Join(dir, relPath)
	if parent := filepath.Dir(dest); parent != dir {
		if err := os.MkdirAll(parent, 0o777); err != nil {
			return err
		}
	}
	return os.WriteFile(dest, []byte(content), 0o666)
}

// writeManifest synthesizes the per-language dependency manifest from the
// free-text requirements. Python gets a requirements.txt only when something
// is declared; go and rust always need their module manifest to build.
func (w *WorkspacePreparer) writeManifest(script *store.Script, dir string) error {
	reqs := strings.TrimSpace(script.Requirements)

	switch script.Language {
	case store.LanguagePython:
		if reqs == "" {
			return nil
		}
		return w.writeFile(dir, "requirements.txt", reqs+"\n")

	case store.LanguageGo:
		// A user-supplied go.mod wins over the synthesized one.
		if _, ok := script.AdditionalFiles["go.mod"]; ok {
			return nil
		}
		var b strings.Builder
		b.WriteString("module script\n\ngo 1.21\n")
		if reqs != "" {
			b.WriteString("\nrequire (\n")
			for _, line := range strings.Split(reqs, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					fmt.Fprintf(&b, "\t%s\n", line)
				}
			}
			b.WriteString(")\n")
		}
		return w.writeFile(dir, "go.mod", b.String())

	case store.LanguageRust:
		if _, ok := script.AdditionalFiles["Cargo.toml"]; ok {
			return nil
		}
		var b strings.Builder
		b.WriteString("[package]\nname = \"script\"\nversion = \"0.1.0\"\nedition = \"2021\"\n\n[dependencies]\n")
		for _, line := range strings.Split(reqs, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString(line + "\n")
			}
		}
		return w.writeFile(dir, "Cargo.toml", b.String())
	}

	return nil
}
