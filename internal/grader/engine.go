// Package grader runs student submissions in isolated containers: it owns
// the container lifecycle, classifies the artifacts a run leaves behind, and
// sequences the end-to-end grading pipeline with timeout enforcement.
package grader

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// Mount is one container volume binding.
type Mount struct {
	Target   string
	Source   string
	Type     string
	ReadOnly bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Image       string
	Mounts      []Mount
	Cmd         []string
	WorkingDir  string
	Tty         bool
	AttachStdio bool
}

// Engine is the container-engine subset the grader uses. The process shares
// one engine client across all connections; the engine serializes its own
// access.
type Engine interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Wait blocks until the container is no longer running.
	Wait(ctx context.Context, id string) error
	// Attach returns the container's combined stdio stream. Attaching before
	// Start is valid and guarantees no output is lost.
	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	PutArchive(ctx context.Context, id, path string, archive []byte) error
	// GetArchive returns a tar stream of the path inside the container.
	GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error)
	// IsNotFound reports whether err means the container or path does not exist.
	IsNotFound(err error) bool
}

// DockerEngine implements Engine on the Docker Engine API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine builds a client from the standard DOCKER_* environment
// variables with API-version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkingDir,
		Tty:        spec.Tty,
	}
	if spec.AttachStdio {
		cfg.AttachStdin = true
		cfg.AttachStdout = true
		cfg.AttachStderr = true
		cfg.OpenStdin = true
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, &container.HostConfig{Mounts: mounts}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *DockerEngine) Stop(ctx context.Context, id string) error {
	return e.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (e *DockerEngine) Remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{})
}

func (e *DockerEngine) Wait(ctx context.Context, id string) error {
	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return fmt.Errorf("container wait: %s", res.Error.Message)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("container wait: %w", err)
	}
}

func (e *DockerEngine) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	return &attachStream{resp: resp}, nil
}

func (e *DockerEngine) PutArchive(ctx context.Context, id, path string, archive []byte) error {
	return e.cli.CopyToContainer(ctx, id, path, bytes.NewReader(archive), container.CopyToContainerOptions{})
}

func (e *DockerEngine) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (e *DockerEngine) IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// attachStream adapts a hijacked attach connection to io.ReadCloser. The
// grader runs with a TTY, so the stream is raw combined output with no
// stdcopy multiplexing.
type attachStream struct {
	resp types.HijackedResponse
}

func (s *attachStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *attachStream) Close() error {
	s.resp.Close()
	return nil
}
