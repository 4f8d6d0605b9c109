package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"requiem/internal/runtime"
	"requiem/internal/store"
)

// imageRuntime is a minimal ContainerRuntime for provisioner tests.
type imageRuntime struct {
	mu       sync.Mutex
	existing map[string]bool
	builds   []buildCall
	buildErr error
}

type buildCall struct {
	ref       string
	buildArgs map[string]string
}

func (m *imageRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[ref], nil
}

func (m *imageRuntime) BuildImage(ctx context.Context, ref, dockerfile string, buildArgs map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buildErr != nil {
		return "step 1/5: FROM ...", m.buildErr
	}
	m.builds = append(m.builds, buildCall{ref: ref, buildArgs: buildArgs})
	if m.existing == nil {
		m.existing = map[string]bool{}
	}
	m.existing[ref] = true
	return "", nil
}

func (m *imageRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	return "", nil
}
func (m *imageRuntime) StartContainer(ctx context.Context, id string) error { return nil }
func (m *imageRuntime) InspectContainer(ctx context.Context, id string) (runtime.ContainerState, error) {
	return runtime.ContainerState{}, nil
}
func (m *imageRuntime) ContainerLogs(ctx context.Context, id string) (string, string, error) {
	return "", "", nil
}
func (m *imageRuntime) StopContainer(ctx context.Context, id string) error   { return nil }
func (m *imageRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }

func TestEnsure_ExistingImageShortCircuits(t *testing.T) {
	rt := &imageRuntime{existing: map[string]bool{"requiem-runner-python:3.11": true}}
	prov := NewImageProvisioner(rt, testLogger())
	spec, _ := runtime.Lookup(store.LanguagePython)

	ref, err := prov.Ensure(context.Background(), spec, "3.11")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if ref != "requiem-runner-python:3.11" {
		t.Errorf("ref = %q", ref)
	}
	if len(rt.builds) != 0 {
		t.Errorf("expected no builds for cached image, got %d", len(rt.builds))
	}
}

func TestEnsure_BuildsMissingImageWithVersionArg(t *testing.T) {
	rt := &imageRuntime{}
	prov := NewImageProvisioner(rt, testLogger())
	spec, _ := runtime.Lookup(store.LanguageGo)

	ref, err := prov.Ensure(context.Background(), spec, "1.21")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if ref != "requiem-runner-go:1.21" {
		t.Errorf("ref = %q", ref)
	}
	if len(rt.builds) != 1 {
		t.Fatalf("expected 1 build, got %d", len(rt.builds))
	}
	if rt.builds[0].buildArgs["LANG_VERSION"] != "1.21" {
		t.Errorf("LANG_VERSION arg = %q, want 1.21", rt.builds[0].buildArgs["LANG_VERSION"])
	}
}

func TestEnsure_BuildFailurePropagates(t *testing.T) {
	rt := &imageRuntime{buildErr: errors.New("no space left on device")}
	prov := NewImageProvisioner(rt, testLogger())
	spec, _ := runtime.Lookup(store.LanguageRust)

	_, err := prov.Ensure(context.Background(), spec, "1.75")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEnsure_DistinctVersionsBuildDistinctTags(t *testing.T) {
	rt := &imageRuntime{}
	prov := NewImageProvisioner(rt, testLogger())
	spec, _ := runtime.Lookup(store.LanguagePython)

	ref1, _ := prov.Ensure(context.Background(), spec, "3.11")
	ref2, _ := prov.Ensure(context.Background(), spec, "3.12")

	if ref1 == ref2 {
		t.Errorf("expected distinct refs, got %q twice", ref1)
	}
	if len(rt.builds) != 2 {
		t.Errorf("expected 2 builds, got %d", len(rt.builds))
	}

	// The second Ensure for a built tag must hit the cache.
	prov.Ensure(context.Background(), spec, "3.11")
	if len(rt.builds) != 2 {
		t.Errorf("cached tag rebuilt, got %d builds", len(rt.builds))
	}
}
