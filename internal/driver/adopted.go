package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/troupe/internal/logbuf"
)

// AdoptedDriver controls a process left by a previous invocation. It is not
// our child, so exit is detected by polling rather than wait(2).
type AdoptedDriver struct {
	identity Identity
	logPath  string
	poll     time.Duration

	mu        sync.Mutex
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	done      chan struct{}
	stopCh    chan struct{} // signals monitor to stop polling
	stopOnce  sync.Once
}

// NewAdopted creates a driver for a recorded process. It fails if the PID is
// gone or now belongs to a different process.
func NewAdopted(ctx context.Context, id Identity, startedAt time.Time, logPath string) (*AdoptedDriver, error) {
	if !Alive(id.PID) {
		return nil, fmt.Errorf("process %d not alive", id.PID)
	}
	if !VerifyProcess(ctx, id) {
		return nil, fmt.Errorf("process %d does not match recorded identity %q", id.PID, id.Name)
	}

	d := &AdoptedDriver{
		identity:  id,
		logPath:   logPath,
		poll:      500 * time.Millisecond,
		state:     StateRunning,
		startedAt: startedAt,
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
	}

	go d.monitor()
	return d, nil
}

func (d *AdoptedDriver) monitor() {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !Alive(d.identity.PID) {
				d.markExited(-1, "process exited")
				return
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *AdoptedDriver) markExited(code int, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning && d.state != StateStopping {
		return
	}

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}
	d.exitCode = code
	d.exitErr = errMsg
	close(d.done)
}

func (d *AdoptedDriver) Start(ctx context.Context) error {
	return nil // already running
}

// target returns what to signal: the whole group when the process leads one.
func (d *AdoptedDriver) target() int {
	if pgid, err := unix.Getpgid(d.identity.PID); err == nil && pgid == d.identity.PID {
		return -d.identity.PID
	}
	return d.identity.PID
}

func (d *AdoptedDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stopCh) })

	target := d.target()
	if err := unix.Kill(target, unix.SIGTERM); errors.Is(err, unix.ESRCH) {
		d.markExited(0, "")
		return nil
	}

	// Poll for death; we can't use wait() since we're not the parent.
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !Alive(d.identity.PID) {
				d.markExited(0, "")
				return nil
			}
		case <-deadline.C:
			return d.kill(target, nil)
		case <-ctx.Done():
			return d.kill(target, ctx.Err())
		}
	}
}

func (d *AdoptedDriver) kill(target int, cause error) error {
	_ = unix.Kill(target, unix.SIGKILL)
	for range 40 {
		if !Alive(d.identity.PID) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	d.markExited(137, "killed")
	return cause
}

func (d *AdoptedDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		PID:       d.identity.PID,
		State:     d.state,
		StartedAt: d.startedAt,
		Identity:  d.identity,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}
}

func (d *AdoptedDriver) Wait() (int, error) {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *AdoptedDriver) Done() <-chan struct{} {
	return d.done
}

// LogLines reads from the log file the previous invocation wrote.
func (d *AdoptedDriver) LogLines(n int) []string {
	if d.logPath == "" {
		return nil
	}
	lines, _ := logbuf.TailFile(d.logPath, n)
	return lines
}
