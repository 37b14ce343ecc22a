package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Identity is what a later invocation needs to tell a recorded process apart
// from an unrelated one that reused its PID.
type Identity struct {
	PID        int    `json:"pid"`
	Name       string `json:"name,omitempty"`
	CreateTime int64  `json:"create_time,omitempty"` // unix milliseconds
}

// Identify reads the identity of a live process.
func Identify(ctx context.Context, pid int) (Identity, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	id := Identity{PID: pid}
	if id.Name, err = p.NameWithContext(ctx); err != nil {
		return Identity{}, fmt.Errorf("reading name of pid %d: %w", pid, err)
	}
	if id.CreateTime, err = p.CreateTimeWithContext(ctx); err != nil {
		return Identity{}, fmt.Errorf("reading start time of pid %d: %w", pid, err)
	}
	return id, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// VerifyProcess checks whether the live process at want.PID still matches the
// recorded name and start time. This guards against PID reuse: if the OS
// recycled the PID for a different process, one of them won't match.
//
// The start time survives exec, so when it is recorded and matches, the name
// is not consulted: a shell wrapper that execs its command changes name but
// stays the same process. An identity with neither recorded only checks
// liveness.
func VerifyProcess(ctx context.Context, want Identity) bool {
	if !Alive(want.PID) {
		return false
	}
	if want.Name == "" && want.CreateTime == 0 {
		return true // no identity recorded, best effort
	}

	got, err := Identify(ctx, want.PID)
	if err != nil {
		return false
	}

	if want.CreateTime != 0 {
		return got.CreateTime == want.CreateTime
	}
	return got.Name == want.Name
}
