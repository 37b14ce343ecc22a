//go:build !nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benaskins/troupe/internal/logbuf"
)

// ContainerConfig holds configuration for a Docker container.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string          // command/args to pass to the container
	NetworkMode string            // "host", "bridge", etc. Default: "bridge"
	Port        int               // published on 127.0.0.1 unless NetworkMode is "host"
	Volumes     map[string]string // host:container mount mappings
	LogPath     string
	Rotation    LogRotation
	BufSize     int // log ring buffer size (lines)
}

// ContainerName is the Docker name used for a service's container.
func ContainerName(service string) string {
	return "troupe-" + service
}

// ContainerDriver manages a Docker container lifecycle.
type ContainerDriver struct {
	cfg ContainerConfig

	mu          sync.Mutex
	closeOnce   sync.Once
	client      *dockerclient.Client
	containerID string
	pid         int
	state       State
	startedAt   time.Time
	exitCode    int
	exitErr     string
	buf         *logbuf.Ring
	logFile     *lumberjack.Logger
	done        chan struct{}
}

func newDockerClient() (*dockerclient.Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}

// NewContainer creates a new Docker container driver.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	cli, err := newDockerClient()
	if err != nil {
		return nil, err
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}

	return &ContainerDriver{
		cfg:    cfg,
		client: cli,
		state:  StateStopped,
		buf:    logbuf.New(cfg.BufSize),
	}, nil
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return fmt.Errorf("container already running")
	}

	d.state = StateStarting
	name := ContainerName(d.cfg.Name)

	// A container left under our name by a previous run is ours to replace.
	_ = d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image: d.cfg.Image,
		Env:   d.cfg.Env,
		Cmd:   d.cfg.Cmd,
		Labels: map[string]string{
			"troupe.service": d.cfg.Name,
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled, // the supervisor decides about restarts
		},
	}

	if d.cfg.Port > 0 && d.cfg.NetworkMode != "host" {
		p, err := nat.NewPort("tcp", strconv.Itoa(d.cfg.Port))
		if err != nil {
			d.fail(err)
			return fmt.Errorf("publishing port %d: %w", d.cfg.Port, err)
		}
		config.ExposedPorts = nat.PortSet{p: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			p: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(d.cfg.Port)}},
		}
	}

	if len(d.cfg.Volumes) > 0 {
		binds := make([]string, 0, len(d.cfg.Volumes))
		for host, cont := range d.cfg.Volumes {
			binds = append(binds, fmt.Sprintf("%s:%s", host, cont))
		}
		hostConfig.Binds = binds
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		d.fail(err)
		return fmt.Errorf("creating container: %w", err)
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		d.fail(err)
		_ = d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("starting container: %w", err)
	}

	if inspect, err := d.client.ContainerInspect(ctx, d.containerID); err == nil && inspect.State != nil {
		d.pid = inspect.State.Pid
	}

	var out io.Writer = d.buf
	if d.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.LogPath), 0o755); err == nil {
			d.logFile = &lumberjack.Logger{
				Filename:   d.cfg.LogPath,
				MaxSize:    d.cfg.Rotation.MaxSizeMB,
				MaxBackups: d.cfg.Rotation.MaxBackups,
				MaxAge:     d.cfg.Rotation.MaxAgeDays,
				Compress:   d.cfg.Rotation.Compress,
			}
			out = io.MultiWriter(d.logFile, d.buf)
		}
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	d.done = make(chan struct{})

	// Log streaming outlives the launch context.
	go d.streamLogs(d.containerID, out)
	go d.waitForExit(d.containerID, d.done)

	return nil
}

func (d *ContainerDriver) fail(err error) {
	d.state = StateFailed
	d.exitErr = err.Error()
}

func (d *ContainerDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	containerID := d.containerID
	done := d.done
	d.mu.Unlock()

	// Docker stop sends SIGTERM and waits for timeout before SIGKILL
	timeoutSec := max(1, int(timeout.Seconds()))
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})

	select {
	case <-done:
	case <-time.After(timeout + 10*time.Second):
	case <-ctx.Done():
	}

	err := d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	d.closeClient()
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return ctx.Err()
}

func (d *ContainerDriver) closeClient() {
	d.closeOnce.Do(func() {
		d.client.Close()
	})
}

func (d *ContainerDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		PID:         d.pid,
		ContainerID: d.containerID,
		State:       d.state,
		StartedAt:   d.startedAt,
		ExitCode:    d.exitCode,
		Error:       d.exitErr,
	}
}

func (d *ContainerDriver) Wait() (int, error) {
	done := d.Done()
	if done == nil {
		return -1, fmt.Errorf("container not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *ContainerDriver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *ContainerDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}

func (d *ContainerDriver) streamLogs(containerID string, out io.Writer) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}

	reader, err := d.client.ContainerLogs(context.Background(), containerID, opts)
	if err != nil {
		return
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr with 8-byte frame headers.
	stdcopy.StdCopy(out, out, reader)
}

func (d *ContainerDriver) waitForExit(containerID string, done chan struct{}) {
	statusCh, errCh := d.client.ContainerWait(
		context.Background(),
		containerID,
		container.WaitConditionNotRunning,
	)

	var code int
	var msg string
	select {
	case err := <-errCh:
		code = -1
		if err != nil {
			msg = err.Error()
		}
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			msg = status.Error.Message
		}
	}

	d.mu.Lock()
	wasStopping := d.state == StateStopping
	if wasStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}
	d.exitCode = code
	d.exitErr = msg
	if d.logFile != nil {
		d.logFile.Close()
	}
	close(done)
	d.mu.Unlock()

	// On natural exit Stop is never called to close the client.
	if !wasStopping {
		d.closeClient()
	}
}

// ContainerID returns the Docker container ID (for external inspection).
func (d *ContainerDriver) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}

// StopContainer stops and removes a container recorded by an earlier run.
// A container that no longer exists is not an error.
func StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error {
	cli, err := newDockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	timeoutSec := max(1, int(timeout.Seconds()))
	if err := cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &timeoutSec}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", nameOrID, err)
	}
	if err := cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", nameOrID, err)
	}
	return nil
}

// ContainerRunning reports whether a container with the given name or ID is running.
func ContainerRunning(ctx context.Context, nameOrID string) bool {
	cli, err := newDockerClient()
	if err != nil {
		return false
	}
	defer cli.Close()

	inspect, err := cli.ContainerInspect(ctx, nameOrID)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}
