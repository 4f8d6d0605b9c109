package runtime

import "context"

// ContainerRuntime is the wire-level boundary to the container engine.
// All resource limits and security flags the execution controller enforces
// are expressed as parameters to this interface; the Docker implementation
// translates them to engine API calls, and tests substitute a mock.
type ContainerRuntime interface {
	// ImageExists reports whether the tagged image is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// BuildImage builds an image from an inline Dockerfile, tags it with
	// ref and removes intermediate layers. It returns the build log; on
	// failure the log is also folded into the returned error.
	BuildImage(ctx context.Context, ref, dockerfile string, buildArgs map[string]string) (string, error)

	// CreateContainer creates (without starting) a container from the spec
	// and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id string) error

	// InspectContainer returns the current lifecycle state.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// ContainerLogs returns the complete stdout and stderr streams.
	ContainerLogs(ctx context.Context, id string) (stdout, stderr string, err error)

	// StopContainer stops a running container, allowing a short grace period.
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes a container. Removing an already-removed
	// container is not an error; callers rely on idempotent cleanup.
	RemoveContainer(ctx context.Context, id string) error
}

// ContainerState is the subset of engine state the poll loop cares about.
type ContainerState struct {
	Running  bool
	ExitCode int
}

// Mount is a host path bound into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec carries everything needed to create one sandbox container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	WorkingDir string
	User       string
	Mounts     []Mount

	// MemoryBytes caps both memory and memory+swap, so the script cannot
	// spill past its ceiling into swap.
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	OpenFiles   int64

	// ReadonlyRootfs locks the root filesystem; ScratchTmpfs adds the small
	// size-capped no-exec /tmp the run phase gets as its only writable
	// surface outside the mounts.
	ReadonlyRootfs bool
	ScratchTmpfs   bool
}
