package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benaskins/troupe/internal/logbuf"
)

// NativeDriver manages a native (fork/exec) process that leads its own
// process group.
type NativeDriver struct {
	cfg NativeConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	logFile   *lumberjack.Logger
	state     State
	startedAt time.Time
	identity  Identity
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	done      chan struct{}
}

// NativeConfig holds configuration for a native process.
type NativeConfig struct {
	Command    string
	Env        []string
	WorkingDir string
	// LogPath receives combined stdout/stderr. Empty keeps output in memory only.
	LogPath  string
	Rotation LogRotation
	BufSize  int // log ring buffer size (lines), 0 for default
}

// NewNative creates a new native process driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	return &NativeDriver{
		cfg:   cfg,
		state: StateStopped,
		buf:   logbuf.New(cfg.BufSize),
	}
}

// shellChars mark a command that needs a shell to run as written.
const shellChars = "|&;<>*?`$\"'(){}[]~"

// buildCommand runs plain commands directly and anything using shell syntax
// through sh -c.
func buildCommand(command string) (*exec.Cmd, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if strings.ContainsAny(command, shellChars) {
		return exec.Command("/bin/sh", "-c", command), nil
	}
	parts := strings.Fields(command)
	return exec.Command(parts[0], parts[1:]...), nil
}

func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return fmt.Errorf("process already running")
	}

	cmd, err := buildCommand(d.cfg.Command)
	if err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("starting process: %w", err)
	}
	cmd.Env = d.cfg.Env
	if d.cfg.WorkingDir != "" {
		cmd.Dir = d.cfg.WorkingDir
	}

	var out io.Writer = d.buf
	if d.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.LogPath), 0o755); err != nil {
			d.state = StateFailed
			d.exitErr = err.Error()
			return fmt.Errorf("creating log directory: %w", err)
		}
		d.logFile = &lumberjack.Logger{
			Filename:   d.cfg.LogPath,
			MaxSize:    d.cfg.Rotation.MaxSizeMB,
			MaxBackups: d.cfg.Rotation.MaxBackups,
			MaxAge:     d.cfg.Rotation.MaxAgeDays,
			Compress:   d.cfg.Rotation.Compress,
		}
		out = io.MultiWriter(d.logFile, d.buf)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// Children that escape the group can hold the output pipe open.
	cmd.WaitDelay = 2 * time.Second

	// Own process group so the whole tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	d.state = StateStarting

	if err := cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		d.closeLog()
		return fmt.Errorf("starting process: %w", err)
	}

	d.cmd = cmd
	d.state = StateRunning
	d.startedAt = time.Now()
	d.exitCode = 0
	d.exitErr = ""
	d.done = make(chan struct{})
	d.identity = Identity{PID: cmd.Process.Pid}
	if id, err := Identify(ctx, cmd.Process.Pid); err == nil {
		d.identity = id
	}

	go d.wait(cmd, d.done)

	return nil
}

func (d *NativeDriver) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		// Expected shutdown
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		} else {
			d.exitCode = -1
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}

	d.closeLog()
	close(done)
}

func (d *NativeDriver) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// Stop signals the process group, plus any direct children that moved to a
// group of their own, with SIGTERM, then SIGKILL once timeout elapses.
func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	pid := d.cmd.Process.Pid
	done := d.done
	d.mu.Unlock()

	escaped := escapedChildren(ctx, pid)
	signalTree(pid, escaped, unix.SIGTERM)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-done:
	case <-deadline.C:
		signalTree(pid, escaped, unix.SIGKILL)
		<-done
		return nil
	case <-ctx.Done():
		signalTree(pid, escaped, unix.SIGKILL)
		<-done
		return ctx.Err()
	}

	// The leader is gone but group members may still be winding down.
	if !waitGroupGone(ctx, pid, deadline.C) {
		signalTree(pid, escaped, unix.SIGKILL)
	}
	return nil
}

// escapedChildren returns direct children of pid that are no longer in its
// process group.
func escapedChildren(ctx context.Context, pid int) []int {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var out []int
	for _, c := range children {
		pgid, err := unix.Getpgid(int(c.Pid))
		if err == nil && pgid != pid {
			out = append(out, int(c.Pid))
		}
	}
	return out
}

func signalTree(pgid int, extra []int, sig unix.Signal) {
	_ = unix.Kill(-pgid, sig)
	for _, pid := range extra {
		_ = unix.Kill(pid, sig)
	}
}

// waitGroupGone polls until no process is left in the group or the
// deadline fires.
func waitGroupGone(ctx context.Context, pgid int, deadline <-chan time.Time) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := unix.Kill(-pgid, 0); errors.Is(err, unix.ESRCH) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		Identity:  d.identity,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

func (d *NativeDriver) Wait() (int, error) {
	done := d.Done()
	if done == nil {
		return -1, fmt.Errorf("process not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}
