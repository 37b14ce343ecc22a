//go:build nocontainer

package driver

import (
	"context"
	"errors"
	"time"
)

var errNoContainers = errors.New("container support excluded (built with nocontainer tag)")

// ContainerConfig holds configuration for a Docker container.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	NetworkMode string
	Port        int
	Volumes     map[string]string
	LogPath     string
	Rotation    LogRotation
	BufSize     int
}

// ContainerName is the Docker name used for a service's container.
func ContainerName(service string) string {
	return "troupe-" + service
}

// ContainerDriver is a stub when container support is excluded.
type ContainerDriver struct{}

// NewContainer returns an error when built with the nocontainer tag.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	return nil, errNoContainers
}

func (d *ContainerDriver) Start(ctx context.Context) error                { return errNoContainers }
func (d *ContainerDriver) Stop(ctx context.Context, _ time.Duration) error { return nil }
func (d *ContainerDriver) Info() ProcessInfo                               { return ProcessInfo{} }
func (d *ContainerDriver) Wait() (int, error)                              { return -1, errNoContainers }
func (d *ContainerDriver) Done() <-chan struct{}                           { return nil }
func (d *ContainerDriver) LogLines(n int) []string                         { return nil }
func (d *ContainerDriver) ContainerID() string                             { return "" }

// StopContainer is a no-op without container support.
func StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error {
	return nil
}

// ContainerRunning always reports false without container support.
func ContainerRunning(ctx context.Context, nameOrID string) bool { return false }
