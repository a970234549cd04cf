package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// DockerConfig holds configuration for the container runner.
type DockerConfig struct {
	Image     string // Image carrying the tool binaries
	DataMount string // Host directory bind-mounted at the same path in the container
}

// DockerRunner runs each tool invocation in its own container on the host
// Docker daemon.
type DockerRunner struct {
	client    *client.Client
	image     string
	dataMount string
	logger    *slog.Logger
	live      *registry
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner connects to the daemon configured by the environment.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("tool image is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{
		client:    dockerClient,
		image:     cfg.Image,
		dataMount: cfg.DataMount,
		logger:    logger,
		live:      newRegistry(),
	}, nil
}

// Start creates and starts a container running cmd, then follows its logs.
func (r *DockerRunner) Start(ctx context.Context, cmd Command) (Invocation, error) {
	id := uuid.NewString()
	if err := r.live.reserve(id); err != nil {
		return nil, err
	}

	if err := r.pullImageIfNeeded(ctx); err != nil {
		r.live.release(id)
		return nil, fmt.Errorf("pull %s: %w", r.image, err)
	}

	containerID, err := r.createContainer(ctx, id, cmd)
	if err != nil {
		r.live.release(id)
		return nil, fmt.Errorf("create container for %s: %w", cmd.Name, err)
	}
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		r.removeContainer(containerID)
		r.live.release(id)
		return nil, fmt.Errorf("start container for %s: %w", cmd.Name, err)
	}

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.removeContainer(containerID)
		r.live.release(id)
		return nil, fmt.Errorf("follow logs of %s: %w", cmd.Name, err)
	}

	inv := &dockerInvocation{
		id:          id,
		cmd:         cmd,
		containerID: containerID,
		runner:      r,
		lines:       make(chan Line, 64),
		killed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.live.commit(id, inv)
	r.logger.Debug("Tool container started", "invocation", id, "command", cmd.String(), "container", containerID)

	go func() {
		inv.streamLogs(logs)
		close(inv.lines)
		inv.err = inv.waitForExit(ctx)
		r.removeContainer(containerID)
		r.live.release(id)
		close(inv.done)
	}()

	return inv, nil
}

// Ready pings the Docker daemon.
func (r *DockerRunner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close kills every live container and closes the client.
func (r *DockerRunner) Close() error {
	killErr := r.live.killAll()
	return errors.Join(killErr, r.client.Close())
}

func (r *DockerRunner) createContainer(ctx context.Context, id string, cmd Command) (string, error) {
	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        append([]string{cmd.Name}, cmd.Args...),
		WorkingDir: cmd.Dir,
		Labels: map[string]string{
			"invocation.id": id,
			"tool":          cmd.Name,
			"managed-by":    "chain-controller",
		},
	}

	hostConfig := &container.HostConfig{}
	if r.dataMount != "" {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: r.dataMount,
				Target: r.dataMount,
			},
		}
	}

	containerName := fmt.Sprintf("tool-%s", id)
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *DockerRunner) pullImageIfNeeded(ctx context.Context) error {
	_, err := r.client.ImageInspect(ctx, r.image)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// removeContainer uses its own context so cleanup runs after cancellation.
func (r *DockerRunner) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Debug("Failed to remove tool container", "container", containerID, "error", err)
	}
}

type dockerInvocation struct {
	id          string
	cmd         Command
	containerID string
	runner      *DockerRunner

	lines chan Line

	killOnce sync.Once
	killed   chan struct{}

	done chan struct{}
	err  error
}

func (i *dockerInvocation) ID() string         { return i.id }
func (i *dockerInvocation) Lines() <-chan Line { return i.lines }

func (i *dockerInvocation) Wait() error {
	<-i.done
	return i.err
}

func (i *dockerInvocation) Kill() error {
	var err error
	i.killOnce.Do(func() {
		close(i.killed)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = i.runner.client.ContainerKill(ctx, i.containerID, "SIGKILL")
		// Gone or already stopped.
		if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
			err = nil
		}
	})
	return err
}

func (i *dockerInvocation) streamLogs(logs io.ReadCloser) {
	defer logs.Close()
	if err := demuxLogs(logs, i.emit); err != nil {
		i.runner.logger.Debug("Log stream ended", "invocation", i.id, "error", err)
	}
}

// demuxLogs splits a multiplexed Docker log stream into lines: each frame
// carries an 8-byte header whose first byte is the stream and last four the
// payload size. A clean end of stream returns nil.
func demuxLogs(r io.Reader, emit func(Line)) error {
	out := map[Stream]*splitter{Stdout: {}, Stderr: {}}
	header := make([]byte, 8)

	var streamErr error
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err != io.EOF {
				streamErr = err
			}
			break
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			streamErr = fmt.Errorf("read log payload: %w", err)
			break
		}

		stream := Stdout
		if header[0] == 2 {
			stream = Stderr
		}
		for _, text := range out[stream].write(string(payload)) {
			emit(Line{Stream: stream, Text: text})
		}
	}

	for _, stream := range []Stream{Stdout, Stderr} {
		if text, ok := out[stream].flush(); ok {
			emit(Line{Stream: stream, Text: text})
		}
	}
	return streamErr
}

func (i *dockerInvocation) emit(line Line) {
	select {
	case i.lines <- line:
	case <-i.killed:
	}
}

func (i *dockerInvocation) waitForExit(ctx context.Context) error {
	statusCh, errCh := i.runner.client.ContainerWait(ctx, i.containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		i.Kill()
		return ctx.Err()
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.Error != nil {
			return fmt.Errorf("%s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return &ExitError{Command: i.cmd.Name, Code: int(status.StatusCode)}
		}
		return nil
	}
}
