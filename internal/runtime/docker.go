package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
)

// DockerRuntime implements ContainerRuntime using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker-based runtime.
// The client is initialized from standard environment variables
// (DOCKER_HOST, etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close releases the underlying client connection.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// ImageExists reports whether the tagged image is present locally.
func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// BuildImage builds an image from an inline Dockerfile. The build context is
// a single-file tar stream; the daemon streams progress as JSON messages,
// which are collected into the returned build log.
func (d *DockerRuntime) BuildImage(ctx context.Context, ref, dockerfile string, buildArgs map[string]string) (string, error) {
	buildCtx, err := dockerfileTar(dockerfile)
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}

	args := make(map[string]*string, len(buildArgs))
	for k, v := range buildArgs {
		v := v
		args[k] = &v
	}

	resp, err := d.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  "Dockerfile",
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	log, buildErr := collectBuildLog(resp.Body)
	if buildErr != nil {
		return log, fmt.Errorf("image build for %s failed: %s\n%s", ref, buildErr, log)
	}
	return log, nil
}

// CreateContainer creates a sandbox container from the spec. Network access
// is always disabled: scripts run against local evidence only.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	hostConfig := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    "none",
		ReadonlyRootfs: spec.ReadonlyRootfs,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // no swap beyond the memory cap
			NanoCPUs:   spec.NanoCPUs,
		},
	}

	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}
	if spec.OpenFiles > 0 {
		hostConfig.Resources.Ulimits = []*units.Ulimit{
			{Name: "nofile", Soft: spec.OpenFiles, Hard: spec.OpenFiles},
		}
	}
	if spec.ScratchTmpfs {
		hostConfig.Tmpfs = map[string]string{
			"/tmp": "rw,noexec,nosuid,size=67108864",
		}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        strslice.StrSlice(spec.Command),
		Env:        env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// InspectContainer returns the lifecycle state the poll loop checks.
func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	state := ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	return state, nil
}

// ContainerLogs returns the complete demultiplexed stdout and stderr streams.
func (d *DockerRuntime) ContainerLogs(ctx context.Context, id string) (string, string, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read logs of container %s: %w", id, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("failed to demux logs of container %s: %w", id, err)
	}

	return stdout.String(), stderr.String(), nil
}

// StopContainer stops a running container with a short grace period.
func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	timeout := int((5 * time.Second).Seconds())
	err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
// Removing a container that is already gone is treated as success so that
// every exit path can call cleanup unconditionally.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// dockerfileTar packs an inline Dockerfile into the tar stream the build API
// expects as its context.
func dockerfileTar(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return bytes.NewReader(buf.Bytes()), nil
}

// buildMessage is one line of the daemon's build progress stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// collectBuildLog drains the build stream into a flat log, surfacing the
// first daemon-reported error.
func collectBuildLog(r io.Reader) (string, error) {
	var log strings.Builder
	dec := json.NewDecoder(r)

	var buildErr error
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return log.String(), fmt.Errorf("malformed build stream: %w", err)
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Error != "" && buildErr == nil {
			buildErr = fmt.Errorf("%s", msg.Error)
		}
	}

	return log.String(), buildErr
}
